package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/authbridge/flow"
)

// flowManifest is the YAML shape of a FLOWS_MANIFEST file:
//
//	flows:
//	  sign-in:
//	    url: https://flows.example.com/sign-in
//	    oauthProvider: apple
//	    magicLinkRedirect: app://auth/resume
//	    inputs:
//	      plan: trial
type flowManifest struct {
	Flows map[string]flowEntry `yaml:"flows"`
}

type flowEntry struct {
	URL               string         `yaml:"url"`
	OAuthProvider     string         `yaml:"oauthProvider"`
	OAuthRedirect     string         `yaml:"oauthRedirect"`
	SSORedirect       string         `yaml:"ssoRedirect"`
	MagicLinkRedirect string         `yaml:"magicLinkRedirect"`
	Inputs            map[string]any `yaml:"inputs"`
}

// ResolveFlow returns the flow the config selects: the single FLOW_URL, or
// the named entry from the flows manifest.
func (c *Config) ResolveFlow() (*flow.Flow, error) {
	if c.FlowURL != "" {
		return &flow.Flow{URL: c.FlowURL}, nil
	}

	data, err := os.ReadFile(c.FlowsManifest)
	if err != nil {
		return nil, fmt.Errorf("reading flows manifest: %w", err)
	}

	var manifest flowManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing flows manifest: %w", err)
	}

	entry, ok := manifest.Flows[c.FlowName]
	if !ok {
		return nil, fmt.Errorf("flow %q not found in manifest %s", c.FlowName, c.FlowsManifest)
	}
	if entry.URL == "" {
		return nil, fmt.Errorf("flow %q has no url", c.FlowName)
	}

	return &flow.Flow{
		URL:               entry.URL,
		OAuthProvider:     entry.OAuthProvider,
		OAuthRedirect:     entry.OAuthRedirect,
		SSORedirect:       entry.SSORedirect,
		MagicLinkRedirect: entry.MagicLinkRedirect,
		ClientInputs:      entry.Inputs,
	}, nil
}
