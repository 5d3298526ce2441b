// Package config reads and writes the two plain-text configuration files
// scout depends on: the outpost list (connection parameters and declared
// capacity per outpost) and the scout config (balancer selection, central
// capacity, and the free/hold agent partition). Both are ini-format files
// parsed with gopkg.in/ini.v1.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// OutpostEntry is one `[outpost <name>]` section of the outpost list.
type OutpostEntry struct {
	Name         string
	Host         string
	Username     string
	Directory    string
	RemotePort   int
	LocalTunnel  int
	RemoteTunnel int
	MIPS         float64
	Priority     int
}

// General is the `[general]` section of the scout config: central's own
// declared capacity, the balancer selection, the profiler path, and the
// operator accounts allowed to issue commands.
type General struct {
	Balance  string
	MIPS     float64
	Priority int
	PerfPath string
	Admins   []string
}

// Store holds both config files parsed in memory, guarded by a single
// mutex, and persists to disk on every mutation. This collapses the
// source's two config-file locks (SCOUT_CONF, OUTPOST_LIST) into one, per
// the design note on re-parsing from disk on every operation.
type Store struct {
	mu sync.Mutex

	outpostPath string
	scoutPath   string

	outposts map[string]*OutpostEntry
	general  General
	free     []string
	hold     []string
}

// Open reads both config files from disk into memory. Missing files are
// not an error -- write creates them fresh, matching the platform's usual
// first-boot sequence (see cmd/scoutd init).
func Open(outpostListPath, scoutConfPath string) (*Store, error) {
	s := &Store{
		outpostPath: outpostListPath,
		scoutPath:   scoutConfPath,
		outposts:    map[string]*OutpostEntry{},
	}

	if err := s.loadOutpostList(); err != nil {
		return nil, fmt.Errorf("config: load outpost list: %w", err)
	}
	if err := s.loadScoutConf(); err != nil {
		return nil, fmt.Errorf("config: load scout conf: %w", err)
	}
	return s, nil
}

func (s *Store) loadOutpostList() error {
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, s.outpostPath)
	if err != nil {
		return err
	}
	for _, sec := range cfg.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "outpost ")
		if !ok {
			continue
		}
		entry := &OutpostEntry{
			Name:      name,
			Host:      sec.Key("host").String(),
			Username:  sec.Key("username").String(),
			Directory: sec.Key("directory").String(),
		}
		entry.RemotePort, _ = sec.Key("remote_port").Int()
		entry.LocalTunnel, _ = sec.Key("local_tunnel").Int()
		entry.RemoteTunnel, _ = sec.Key("remote_tunnel").Int()
		entry.MIPS, _ = sec.Key("mips").Float64()
		entry.Priority, _ = sec.Key("priority").Int()
		s.outposts[name] = entry
	}
	return nil
}

func (s *Store) loadScoutConf() error {
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, s.scoutPath)
	if err != nil {
		return err
	}
	gen := cfg.Section("general")
	s.general.Balance = gen.Key("balance").String()
	s.general.MIPS, _ = gen.Key("mips").Float64()
	s.general.Priority, _ = gen.Key("priority").Int()
	s.general.PerfPath = gen.Key("perf_path").String()
	s.general.Admins = splitTokens(gen.Key("admins").String())

	ag := cfg.Section("agents")
	s.free = splitTokens(ag.Key("free").String())
	s.hold = splitTokens(ag.Key("hold").String())
	return nil
}

func splitTokens(s string) []string {
	return strings.Fields(s)
}

func joinTokens(toks []string) string {
	return strings.Join(toks, " ")
}

// writeScoutConf persists the in-memory scout config. Caller must hold mu.
func (s *Store) writeScoutConf() error {
	cfg := ini.Empty()
	gen, _ := cfg.NewSection("general")
	gen.NewKey("balance", s.general.Balance)
	gen.NewKey("mips", strconv.FormatFloat(s.general.MIPS, 'f', -1, 64))
	gen.NewKey("priority", strconv.Itoa(s.general.Priority))
	gen.NewKey("perf_path", s.general.PerfPath)
	gen.NewKey("admins", joinTokens(s.general.Admins))

	ag, _ := cfg.NewSection("agents")
	ag.NewKey("free", joinTokens(s.free))
	ag.NewKey("hold", joinTokens(s.hold))

	return cfg.SaveTo(s.scoutPath)
}

// writeOutpostList persists the in-memory outpost list. Caller must hold mu.
func (s *Store) writeOutpostList() error {
	cfg := ini.Empty()
	for _, name := range sortedKeys(s.outposts) {
		o := s.outposts[name]
		sec, _ := cfg.NewSection("outpost " + name)
		sec.NewKey("host", o.Host)
		if o.Username != "" {
			sec.NewKey("username", o.Username)
		}
		sec.NewKey("directory", o.Directory)
		sec.NewKey("remote_port", strconv.Itoa(o.RemotePort))
		sec.NewKey("local_tunnel", strconv.Itoa(o.LocalTunnel))
		sec.NewKey("remote_tunnel", strconv.Itoa(o.RemoteTunnel))
		sec.NewKey("mips", strconv.FormatFloat(o.MIPS, 'f', -1, 64))
		sec.NewKey("priority", strconv.Itoa(o.Priority))
	}
	return cfg.SaveTo(s.outpostPath)
}

func sortedKeys(m map[string]*OutpostEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Outposts returns a snapshot copy of every outpost entry.
func (s *Store) Outposts() map[string]OutpostEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]OutpostEntry, len(s.outposts))
	for name, entry := range s.outposts {
		out[name] = *entry
	}
	return out
}

// Outpost returns a single outpost entry by name.
func (s *Store) Outpost(name string) (OutpostEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.outposts[name]
	if !ok {
		return OutpostEntry{}, false
	}
	return *entry, true
}

// UpsertOutpost creates or replaces an outpost list entry and persists it.
func (s *Store) UpsertOutpost(entry OutpostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := entry
	s.outposts[entry.Name] = &cp
	return s.writeOutpostList()
}

// General returns the scout config's general section.
func (s *Store) General() General {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.general
}

// IsAdmin reports whether sender belongs to the admins group. An empty
// sender identifies the local terminal, which is always permitted.
func (s *Store) IsAdmin(sender string) bool {
	if sender == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.general.Admins, sender)
}

// FreeAndHold returns a copy of the free and hold agent lists.
func (s *Store) FreeAndHold() (free, hold []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	free = append([]string(nil), s.free...)
	hold = append([]string(nil), s.hold...)
	return
}

// RefreshAgents reconciles the free and hold lists against the set of
// agent names observed in the rules directory: names no longer present
// are dropped from both lists, and previously-unseen names are appended
// to free.
func (s *Store) RefreshAgents(observed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := map[string]bool{}
	for _, a := range observed {
		present[a] = true
	}
	remaining := map[string]bool{}
	for _, a := range observed {
		remaining[a] = true
	}

	var newHold, newFree []string
	for _, a := range s.hold {
		if present[a] {
			newHold = append(newHold, a)
			delete(remaining, a)
		}
	}
	for _, a := range s.free {
		if present[a] {
			newFree = append(newFree, a)
			delete(remaining, a)
		}
	}
	for _, a := range observed {
		if remaining[a] {
			newFree = append(newFree, a)
		}
	}

	s.hold = newHold
	s.free = newFree
	return s.writeScoutConf()
}

// MarkHold moves agent from the free list to the hold list. Reports
// (false, reason) if the preconditions in spec.md §4.3 are not met.
func (s *Store) MarkHold(agent string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contains(s.hold, agent) {
		return false, fmt.Sprintf("agent %s is already in hold list", agent), nil
	}
	if !contains(s.free, agent) {
		return false, fmt.Sprintf("agent %s not found in free list", agent), nil
	}

	s.free = remove(s.free, agent)
	s.hold = append(s.hold, agent)

	if err := s.writeScoutConf(); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// MarkUnhold moves agent from the hold list back to the free list.
func (s *Store) MarkUnhold(agent string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contains(s.free, agent) {
		return false, fmt.Sprintf("agent %s is already in free list", agent), nil
	}
	if !contains(s.hold, agent) {
		return false, fmt.Sprintf("agent %s not found in hold list", agent), nil
	}

	s.hold = remove(s.hold, agent)
	s.free = append(s.free, agent)

	if err := s.writeScoutConf(); err != nil {
		return false, "", err
	}
	return true, "", nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
