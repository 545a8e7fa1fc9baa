package config

import (
	"encoding/xml"
	"strings"
)

// xmlConfig is the XML rendition of Config:
//
//	<Configuration>
//	  <Sync workers="4" allowDelete="true" hashAlgorithm="xxh3"
//	        maxAttempts="4" initialInterval="100ms" maxInterval="2s"/>
//	  <Mapping name="web" source="./WebResources" destination="/srv/www"
//	           conflictPolicy="mirror" compare="metadata" modTimeWindow="1s">
//	    <Include>*.js</Include>
//	    <Exclude>*.tmp</Exclude>
//	  </Mapping>
//	  <Serve enabled="true" listenAddr=":8484" schedule="@every 15m"/>
//	</Configuration>
type xmlConfig struct {
	XMLName  xml.Name     `xml:"Configuration"`
	Sync     xmlSync      `xml:"Sync"`
	Mappings []xmlMapping `xml:"Mapping"`
	Serve    xmlServe     `xml:"Serve"`
}

type xmlSync struct {
	Workers         int      `xml:"workers,attr"`
	AllowDelete     bool     `xml:"allowDelete,attr"`
	HashAlgorithm   string   `xml:"hashAlgorithm,attr"`
	MaxAttempts     int      `xml:"maxAttempts,attr"`
	InitialInterval Duration `xml:"initialInterval,attr"`
	MaxInterval     Duration `xml:"maxInterval,attr"`
}

type xmlMapping struct {
	Name           string   `xml:"name,attr"`
	Source         string   `xml:"source,attr"`
	Destination    string   `xml:"destination,attr"`
	ConflictPolicy string   `xml:"conflictPolicy,attr"`
	Compare        string   `xml:"compare,attr"`
	ModTimeWindow  Duration `xml:"modTimeWindow,attr"`
	Include        []string `xml:"Include"`
	Exclude        []string `xml:"Exclude"`
}

type xmlServe struct {
	Enabled           bool   `xml:"enabled,attr"`
	ListenAddr        string `xml:"listenAddr,attr"`
	Schedule          string `xml:"schedule,attr"`
	TriggerSecretFile string `xml:"triggerSecretFile,attr"`
}

func parseXML(data []byte) (*Config, error) {
	var raw xmlConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	cfg := &Config{
		Sync: SyncConfig{
			Workers:       raw.Sync.Workers,
			AllowDelete:   raw.Sync.AllowDelete,
			HashAlgorithm: raw.Sync.HashAlgorithm,
			Retry: RetryConfig{
				MaxAttempts:     raw.Sync.MaxAttempts,
				InitialInterval: raw.Sync.InitialInterval,
				MaxInterval:     raw.Sync.MaxInterval,
			},
		},
		Serve: ServeConfig{
			Enabled:           raw.Serve.Enabled,
			ListenAddr:        raw.Serve.ListenAddr,
			Schedule:          raw.Serve.Schedule,
			TriggerSecretFile: raw.Serve.TriggerSecretFile,
		},
	}

	for _, m := range raw.Mappings {
		cfg.Mappings = append(cfg.Mappings, Mapping{
			Name:           m.Name,
			Source:         m.Source,
			Destination:    m.Destination,
			Include:        trimAll(m.Include),
			Exclude:        trimAll(m.Exclude),
			ConflictPolicy: ConflictPolicy(m.ConflictPolicy),
			Compare:        CompareMode(m.Compare),
			ModTimeWindow:  m.ModTimeWindow,
		})
	}

	return cfg, nil
}

// trimAll strips the whitespace XML element text tends to carry.
func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
