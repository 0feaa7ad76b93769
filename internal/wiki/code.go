package wiki

import (
	"fmt"
	"hash/fnv"
	"net"
)

// ContributorCode derives the four-octal-digit contributor code from a
// client address. The code is stable per IP and deliberately low entropy so
// unrelated visitors may collide; it is the only identifier ever surfaced.
func ContributorCode(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return fmt.Sprintf("%04o", h.Sum32()%(8*8*8*8))
}
