package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeAppliesDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, []Host{{Name: "localhost"}}, cfg.Hosts)
	assert.Equal(t, []int{DefaultPort}, cfg.Ports)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, []string{DefaultToken}, cfg.Tokens)
	assert.Equal(t, DefaultPageSizeLimit, cfg.PageSizeLimit)
}

func TestFinalizeValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty host name", Config{Hosts: []Host{{Name: ""}}}},
		{"cert without key", Config{Hosts: []Host{{Name: "h", CertFile: "c.pem"}}}},
		{"empty space name", Config{Spaces: []Space{{Name: ""}}}},
		{"reserved space name", Config{Spaces: []Space{{Name: "page"}}}},
		{"slash in space name", Config{Spaces: []Space{{Name: "a/b"}}}},
		{"dotted space name", Config{Spaces: []Space{{Name: ".hidden"}}}},
		{"space on unknown host", Config{
			Hosts:  []Host{{Name: "known"}},
			Spaces: []Space{{Host: "other", Name: "team"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Finalize())
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `hosts:
  - name: wiki.example.org
    cert-file: /etc/certs/wiki.crt
    key-file: /etc/certs/wiki.key
ports: [1965, 443]
wiki-dir: /var/wiki
wiki-spaces:
  - name: team
    tokens: [s3cret]
wiki-tokens: [hello]
wiki-mime-types: [image, text/markdown]
wiki-page-size-limit: 50000
log-level: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, "wiki.example.org", cfg.Hosts[0].Name)
	assert.Equal(t, "/etc/certs/wiki.crt", cfg.Hosts[0].CertFile)
	assert.Equal(t, []int{1965, 443}, cfg.Ports)
	assert.Equal(t, "/var/wiki", cfg.DataDir)
	assert.Equal(t, []string{"s3cret"}, cfg.Spaces[0].Tokens)
	assert.Equal(t, 50000, cfg.PageSizeLimit)
	assert.Equal(t, 2, cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseSpaceSpec(t *testing.T) {
	assert.Equal(t, Space{Name: "team"}, ParseSpaceSpec("team"))
	assert.Equal(t, Space{Host: "wiki.example.org", Name: "team"},
		ParseSpaceSpec("wiki.example.org/team"))
}

func TestHostAndSpaceLookup(t *testing.T) {
	cfg := &Config{
		Hosts: []Host{{Name: "a.example"}, {Name: "b.example"}},
		Spaces: []Space{
			{Name: "shared"},
			{Host: "a.example", Name: "onlya"},
		},
	}
	require.NoError(t, cfg.Finalize())

	assert.True(t, cfg.IsKnownHost("a.example"))
	assert.False(t, cfg.IsKnownHost("c.example"))

	assert.Equal(t, []string{"shared", "onlya"}, cfg.SpaceNames("a.example"))
	assert.Equal(t, []string{"shared"}, cfg.SpaceNames("b.example"))

	assert.True(t, cfg.HasSpace("b.example", "shared"))
	assert.False(t, cfg.HasSpace("b.example", "onlya"))
	assert.True(t, cfg.HasSpace("b.example", ""), "empty name is the root space")
}

func TestTokensFor(t *testing.T) {
	cfg := &Config{
		Tokens: []string{"global"},
		Spaces: []Space{{Name: "team", Tokens: []string{"extra"}}},
	}
	require.NoError(t, cfg.Finalize())

	assert.ElementsMatch(t, []string{"global", "extra"}, cfg.TokensFor("team"))
	assert.ElementsMatch(t, []string{"global"}, cfg.TokensFor(""))
}

func TestMIMEAllowed(t *testing.T) {
	cfg := &Config{MIMETypes: []string{"image", "text/markdown"}}
	require.NoError(t, cfg.Finalize())

	assert.True(t, cfg.MIMEAllowed("image/png"))
	assert.True(t, cfg.MIMEAllowed("image/jpeg"))
	assert.True(t, cfg.MIMEAllowed("text/markdown"))
	assert.False(t, cfg.MIMEAllowed("text/html"))
	assert.False(t, cfg.MIMEAllowed("application/pdf"))
}
