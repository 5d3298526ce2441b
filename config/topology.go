package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is a declarative first-boot seed for the outpost list and the
// scout config's agent partition, parsed from a single yaml document so
// an operator can bring up a fresh deployment without hand-editing two
// ini files. It has no role once the ini files exist; they remain the
// system of record for every subsequent read and write.
type Topology struct {
	General  TopologyGeneral  `yaml:"general"`
	Outposts []TopologyOutpost `yaml:"outposts"`
	Agents   TopologyAgents   `yaml:"agents"`
}

// TopologyGeneral mirrors the scout config's [general] section.
type TopologyGeneral struct {
	Balance  string   `yaml:"balance"`
	MIPS     float64  `yaml:"mips"`
	Priority int      `yaml:"priority"`
	PerfPath string   `yaml:"perf_path"`
	Admins   []string `yaml:"admins"`
}

// TopologyOutpost mirrors one [outpost <name>] section.
type TopologyOutpost struct {
	Name         string  `yaml:"name"`
	Host         string  `yaml:"host"`
	Username     string  `yaml:"username,omitempty"`
	Directory    string  `yaml:"directory"`
	RemotePort   int     `yaml:"remote_port"`
	LocalTunnel  int     `yaml:"local_tunnel"`
	RemoteTunnel int     `yaml:"remote_tunnel"`
	MIPS         float64 `yaml:"mips"`
	Priority     int     `yaml:"priority"`
}

// TopologyAgents seeds the initial free/hold partition.
type TopologyAgents struct {
	Free []string `yaml:"free"`
	Hold []string `yaml:"hold"`
}

// LoadTopology parses a topology seed document from path.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Seed writes a fresh outpost list and scout config derived from the
// topology document to the given paths, for first-boot bootstrap only.
// It never reads or merges with existing files -- use UpsertOutpost and
// RefreshAgents for ongoing reconciliation.
func (t *Topology) Seed(outpostListPath, scoutConfPath string) error {
	s := &Store{
		outpostPath: outpostListPath,
		scoutPath:   scoutConfPath,
		outposts:    map[string]*OutpostEntry{},
		general: General{
			Balance:  t.General.Balance,
			MIPS:     t.General.MIPS,
			Priority: t.General.Priority,
			PerfPath: t.General.PerfPath,
			Admins:   append([]string(nil), t.General.Admins...),
		},
		free: append([]string(nil), t.Agents.Free...),
		hold: append([]string(nil), t.Agents.Hold...),
	}
	for _, o := range t.Outposts {
		s.outposts[o.Name] = &OutpostEntry{
			Name:         o.Name,
			Host:         o.Host,
			Username:     o.Username,
			Directory:    o.Directory,
			RemotePort:   o.RemotePort,
			LocalTunnel:  o.LocalTunnel,
			RemoteTunnel: o.RemoteTunnel,
			MIPS:         o.MIPS,
			Priority:     o.Priority,
		}
	}
	if err := s.writeOutpostList(); err != nil {
		return err
	}
	return s.writeScoutConf()
}
