package admission

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarry-dl/quarry/utils"
)

// HostPolicy tunes transfer behavior for one remote host family. Policies are
// keyed by host substring in the config file, with a "default" entry as the
// fallback for unmatched hosts.
type HostPolicy struct {
	MaxConnections        int               `yaml:"max_connections"`
	MaxConcurrent         int               `yaml:"max_concurrent"`
	UseAlternateEngine    bool              `yaml:"use_alternate_engine"`
	IgnoreTLSVerification bool              `yaml:"ignore_tls_verification"`
	AcceptNonRanged       bool              `yaml:"accept_non_ranged"`
	ExtraHeaders          map[string]string `yaml:"extra_headers"`
}

const DefaultPolicyKey = "default"

func DefaultPolicies() map[string]HostPolicy {
	return map[string]HostPolicy{
		DefaultPolicyKey: {
			MaxConnections: 5,
			MaxConcurrent:  2,
		},
	}
}

// LoadPolicies reads a YAML host policy file. A missing "default" entry is
// filled in from DefaultPolicies so the fallback always exists.
func LoadPolicies(path string) (map[string]HostPolicy, error) {
	log := utils.GetLogger("policy")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading host policy file: %v", err)
	}
	policies := make(map[string]HostPolicy)
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("error parsing host policy file: %v", err)
	}
	if _, ok := policies[DefaultPolicyKey]; !ok {
		policies[DefaultPolicyKey] = DefaultPolicies()[DefaultPolicyKey]
	}
	for key, p := range policies {
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 1
			policies[key] = p
		}
		if p.MaxConnections <= 0 {
			p.MaxConnections = 1
			policies[key] = p
		}
	}
	log.Debug().Int("hosts", len(policies)).Msg("Host policies loaded")
	return policies, nil
}
