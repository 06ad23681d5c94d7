package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/matst80/termbridge/internal/session"
)

// SessionStat describes one session without its id: the id is the only credential
// needed to resume a session, so only a digest of it is exposed.
type SessionStat struct {
	Ref      string    `json:"ref"`
	State    string    `json:"state"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
}

func sessionRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// Stats represents current server stats for the state API.
type Stats struct {
	Instance  string        `json:"instance"`
	Sessions  int           `json:"sessions"`
	Awaiting  int           `json:"awaiting"`
	Active    int           `json:"active"`
	Attached  int           `json:"attached"`
	FreePorts int           `json:"free_ports"`
	PortFirst int           `json:"port_first"`
	PortLast  int           `json:"port_last"`
	Cluster   int           `json:"cluster_sessions"`
	List      []SessionStat `json:"list"`
	Now       string        `json:"now"`
}

func collectStats(ctx context.Context, reg *session.Registry, instance string) Stats {
	list := reg.Snapshot()
	low, high := reg.Pool().Range()
	st := Stats{
		Instance:  instance,
		Sessions:  len(list),
		FreePorts: reg.Pool().Available(),
		PortFirst: low,
		PortLast:  high,
		Cluster:   -1,
		List:      make([]SessionStat, 0, len(list)),
		Now:       time.Now().UTC().Format(time.RFC3339),
	}
	for _, info := range list {
		st.List = append(st.List, SessionStat{Ref: sessionRef(info.ID), State: info.State, Attached: info.Attached, Created: info.Created})
		switch info.State {
		case session.AwaitingPeer.String():
			st.Awaiting++
		case session.Active.String():
			st.Active++
		}
		if info.Attached {
			st.Attached++
		}
	}
	if entries, err := reg.Directory().List(ctx); err == nil {
		st.Cluster = len(entries)
	}
	return st
}
