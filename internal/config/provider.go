package config

import "sync"

// Provider re-reads the config file on every Current call so that threshold
// and bucket changes take effect on the next evaluation cycle without a
// restart. Evaluators receive the returned value and must not cache it
// across cycles. If a re-read fails the last good config is returned along
// with the error so callers can decide whether to proceed.
type Provider struct {
	path string

	mu   sync.Mutex
	last *Config
}

func NewProvider(path string) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{path: path, last: cfg}, nil
}

func (p *Provider) Current() (*Config, error) {
	cfg, err := Load(p.path)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		return p.last, err
	}
	p.last = cfg
	return cfg, nil
}
