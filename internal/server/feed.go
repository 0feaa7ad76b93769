package server

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/feeds"
	log "github.com/sirupsen/logrus"

	"github.com/phoebewiki/phoebe/internal/wiki"
)

type feedKind int

const (
	feedRSS feedKind = iota
	feedAtom
)

const (
	rssMIME  = "application/rss+xml"
	atomMIME = "application/atom+xml"
)

// serveFeed renders the change log of one space (or, with all set, of every
// space of the host) as RSS 2.0 or Atom 1.0.
func (s *Server) serveFeed(w *geminiWriter, v viewContext, kind feedKind, all bool) {
	feed := s.buildFeed(v, all)

	var out string
	var err error
	mime := rssMIME
	if kind == feedAtom {
		mime = atomMIME
		out, err = feed.ToAtom()
	} else {
		out, err = feed.ToRss()
	}
	if err != nil {
		log.Errorf("feed rendering failed: %v", err)
		_ = w.WriteHeader(StatusTemporaryFailure, "feed rendering failed")
		return
	}
	_ = w.WriteHeader(StatusSuccess, mime)
	_, _ = io.WriteString(w, out)
}

// buildFeed assembles the newest change-log entries as feed items. GUIDs are
// stable tag URIs of the form tag:<host>,<date>:<space>/<name>?rev=<rev>.
func (s *Server) buildFeed(v viewContext, all bool) *feeds.Feed {
	title := "Phoebe wiki changes"
	if v.space != "" {
		title = fmt.Sprintf("Phoebe wiki changes in %s", v.space)
	}

	type spaceChange struct {
		space string
		wiki.Change
	}
	var entries []spaceChange
	if all {
		title = "Phoebe wiki changes in all spaces"
		spaces := append([]string{""}, v.st.cfg.SpaceNames(v.host)...)
		for _, space := range spaces {
			cs, _ := s.store.Changes(space, 0, changesPerPage)
			for _, c := range cs {
				entries = append(entries, spaceChange{space: space, Change: c})
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Time.After(entries[j].Time)
		})
		if len(entries) > changesPerPage {
			entries = entries[:changesPerPage]
		}
	} else {
		cs, _ := s.store.Changes(v.space, 0, changesPerPage)
		for _, c := range cs {
			entries = append(entries, spaceChange{space: v.space, Change: c})
		}
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: v.base() + v.path("")},
		Description: "Recent changes on this wiki.",
		Created:     time.Now().UTC(),
	}
	if len(entries) > 0 {
		feed.Created = entries[0].Time
	}

	for _, c := range entries {
		sv := viewContext{st: v.st, host: v.host, port: v.port, space: c.space}
		esc := url.PathEscape(c.Name)
		link := sv.base() + sv.path("page/"+esc)
		title := fmt.Sprintf("%s (revision %d)", c.Name, c.Revision)
		if c.Revision == 0 {
			link = sv.base() + sv.path("file/"+esc)
			title = fmt.Sprintf("%s (file)", c.Name)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Title:   title,
			Link:    &feeds.Link{Href: link},
			Id:      changeGUID(v.host, c.space, c.Change),
			Author:  &feeds.Author{Name: c.Code},
			Created: c.Time,
		})
	}
	return feed
}

func changeGUID(host, space string, c wiki.Change) string {
	return fmt.Sprintf("tag:%s,%s:%s/%s?rev=%d",
		host, c.Time.Format("2006-01-02"), space, c.Name, c.Revision)
}
