package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAML renders the normalized configuration, defaults filled in. Secrets
// are masked.
func (s *Snapshot) YAML() ([]byte, error) {
	c := s.Config
	c.Users = append([]User(nil), c.Users...)
	for i := range c.Users {
		c.Users[i].Secret = mask(c.Users[i].Secret)
	}
	c.Peers = append([]Peer(nil), c.Peers...)
	for i := range c.Peers {
		c.Peers[i].Secret = mask(c.Peers[i].Secret)
	}
	c.Registrations = append([]Registration(nil), c.Registrations...)
	for i := range c.Registrations {
		c.Registrations[i].Secret = mask(c.Registrations[i].Secret)
	}
	c.Store.Redis.Password = mask(c.Store.Redis.Password)

	out, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
