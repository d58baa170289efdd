package runtime

import (
	"fmt"

	"ducker/pkg/fileutil"
)

// InitConfig is what the containerized init needs to know. The launcher
// writes it into the work directory before spawning; the child reads it
// before the pivot, while the host path is still reachable.
type InitConfig struct {
	RunID      string   `json:"runID"`
	RootDir    string   `json:"rootDir"`
	HostName   string   `json:"hostName"`
	Nameserver string   `json:"nameserver"`
	Command    []string `json:"command"`
	TTY        bool     `json:"tty"`
	Debug      bool     `json:"debug,omitempty"`
}

func newInitConfig(c *Container, debug bool) *InitConfig {
	return &InitConfig{
		RunID:      c.ShortID(),
		RootDir:    c.workDir.Root(),
		HostName:   c.HostName(),
		Nameserver: c.config.Nameserver,
		Command:    append([]string(nil), c.config.Command...),
		TTY:        c.config.TTY,
		Debug:      debug,
	}
}

func writeInitConfig(path string, cfg *InitConfig) error {
	return fileutil.WriteJSON(path, cfg, 0644)
}

func loadInitConfig(path string) (*InitConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("init config path is not set")
	}
	var cfg InitConfig
	if err := fileutil.ReadJSON(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.RootDir == "" || len(cfg.Command) == 0 {
		return nil, fmt.Errorf("init config %s is incomplete", path)
	}
	return &cfg, nil
}

// resolvConf renders /etc/resolv.conf for nameserver.
func resolvConf(nameserver string) []byte {
	return []byte("nameserver " + nameserver + "\n")
}
