package arp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// EntryState is the neighbor state of a table entry.
type EntryState int

const (
	StateIncomplete EntryState = iota
	StateReachable
	StateStale
	StateDelay
	StateProbe
	StatePermanent
)

func (s EntryState) String() string {
	switch s {
	case StateIncomplete:
		return "INCOMPLETE"
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StateDelay:
		return "DELAY"
	case StateProbe:
		return "PROBE"
	case StatePermanent:
		return "PERMANENT"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry is one resolved (or resolving) IP-to-MAC mapping.
type Entry struct {
	IP        ipv4.Address
	MAC       ipv4.MACAddress
	State     EntryState
	Interface string
	Created   time.Time
	LastUsed  time.Time
	Expires   time.Time
	Retries   int
}

// TableConfig tunes entry aging.
type TableConfig struct {
	// ReachableTime is how long a learned entry stays REACHABLE.
	ReachableTime time.Duration
	// IncompleteTimeout is how long an unanswered resolution attempt waits
	// before a retry is charged.
	IncompleteTimeout time.Duration
	// MaxRetries removes an INCOMPLETE entry after this many failures.
	MaxRetries int
}

// DefaultTableConfig matches classic neighbor cache timing.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		ReachableTime:     5 * time.Minute,
		IncompleteTimeout: 3 * time.Second,
		MaxRetries:        3,
	}
}

// Table is the ARP cache, one entry per destination IP. Aging is lazy:
// expiry is checked on lookup and on Entries, not on a background timer.
type Table struct {
	mu      sync.Mutex
	entries map[ipv4.Address]*Entry
	cfg     TableConfig
	now     func() time.Time
}

func NewTable(cfg TableConfig) *Table {
	if cfg.ReachableTime <= 0 {
		cfg = DefaultTableConfig()
	}
	return &Table{
		entries: make(map[ipv4.Address]*Entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Lookup returns a copy of the entry for ip. A REACHABLE entry past its
// expiry is demoted to STALE but still returned; a STALE entry past its
// expiry is purged and reported as a miss. INCOMPLETE entries are charged a
// retry per expired timeout and removed after MaxRetries.
func (t *Table) Lookup(ip ipv4.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return Entry{}, false
	}
	now := t.now()
	if !t.ageLocked(e, now) {
		return Entry{}, false
	}
	e.LastUsed = now
	return *e, true
}

// ageLocked applies expiry transitions; it reports whether the entry still
// exists afterwards.
func (t *Table) ageLocked(e *Entry, now time.Time) bool {
	if e.State == StatePermanent || now.Before(e.Expires) {
		return true
	}
	switch e.State {
	case StateReachable, StateDelay, StateProbe:
		e.State = StateStale
		e.Expires = now.Add(t.cfg.ReachableTime)
		return true
	case StateStale:
		delete(t.entries, e.IP)
		return false
	case StateIncomplete:
		e.Retries++
		if e.Retries >= t.cfg.MaxRetries {
			delete(t.entries, e.IP)
			return false
		}
		e.Expires = now.Add(t.cfg.IncompleteTimeout)
		return true
	}
	return true
}

// Learn installs or refreshes a dynamic mapping as REACHABLE. A PERMANENT
// entry is never overwritten.
func (t *Table) Learn(ip ipv4.Address, mac ipv4.MACAddress, iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if e, ok := t.entries[ip]; ok {
		if e.State == StatePermanent {
			return
		}
		e.MAC = mac
		e.State = StateReachable
		e.Interface = iface
		e.LastUsed = now
		e.Expires = now.Add(t.cfg.ReachableTime)
		e.Retries = 0
		return
	}
	t.entries[ip] = &Entry{
		IP:        ip,
		MAC:       mac,
		State:     StateReachable,
		Interface: iface,
		Created:   now,
		LastUsed:  now,
		Expires:   now.Add(t.cfg.ReachableTime),
	}
}

// AddIncomplete records that resolution for ip has started.
func (t *Table) AddIncomplete(ip ipv4.Address, iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[ip]; ok {
		return
	}
	now := t.now()
	t.entries[ip] = &Entry{
		IP:        ip,
		State:     StateIncomplete,
		Interface: iface,
		Created:   now,
		LastUsed:  now,
		Expires:   now.Add(t.cfg.IncompleteTimeout),
	}
}

// AddStatic installs a PERMANENT mapping that never ages out.
func (t *Table) AddStatic(ip ipv4.Address, mac ipv4.MACAddress, iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.entries[ip] = &Entry{
		IP:        ip,
		MAC:       mac,
		State:     StatePermanent,
		Interface: iface,
		Created:   now,
		LastUsed:  now,
	}
}

// Remove deletes the entry for ip.
func (t *Table) Remove(ip ipv4.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[ip]; !ok {
		return false
	}
	delete(t.entries, ip)
	return true
}

// Flush removes all dynamic entries. PERMANENT entries survive.
func (t *Table) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.entries {
		if e.State != StatePermanent {
			delete(t.entries, ip)
		}
	}
}

// Entries returns aged copies of all entries sorted by IP.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if t.ageLocked(e, now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IP.Uint32() < out[j].IP.Uint32()
	})
	return out
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	return len(t.Entries())
}

// Format renders a "show arp" style table.
func (t *Table) Format() string {
	entries := t.Entries()
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-18s %-11s %-10s %s\n", "Address", "Hardware Addr", "State", "Age", "Interface")
	for _, e := range entries {
		mac := e.MAC.String()
		if e.State == StateIncomplete {
			mac = "(incomplete)"
		}
		age := t.now().Sub(e.Created).Round(time.Second)
		fmt.Fprintf(&b, "%-16s %-18s %-11s %-10s %s\n", e.IP, mac, e.State, age, e.Interface)
	}
	return b.String()
}
