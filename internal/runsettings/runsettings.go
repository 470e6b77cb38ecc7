// Package runsettings reads the data collector section of a run-settings
// document. Everything outside DataCollectionRunSettings is ignored.
package runsettings

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

const collectorsXPath = "//DataCollectionRunSettings/DataCollectors/DataCollector"

// Collector is one <DataCollector> entry
type Collector struct {
	FriendlyName  string
	URI           string
	Enabled       bool
	Configuration string // outer XML of <Configuration>, empty when absent
}

// Settings holds the parsed collector entries
type Settings struct {
	collectors []Collector
}

// Parse reads run-settings XML. Blank input yields nil settings.
func Parse(xml string) (*Settings, error) {
	if strings.TrimSpace(xml) == "" {
		return nil, nil
	}

	doc, err := xmlquery.Parse(strings.NewReader(xml))
	if err != nil {
		return nil, fmt.Errorf("invalid run settings: %w", err)
	}

	nodes, err := xmlquery.QueryAll(doc, collectorsXPath)
	if err != nil {
		return nil, fmt.Errorf("query data collectors: %w", err)
	}

	s := &Settings{}
	for _, node := range nodes {
		c := Collector{
			FriendlyName: node.SelectAttr("friendlyName"),
			URI:          node.SelectAttr("uri"),
			Enabled:      !strings.EqualFold(strings.TrimSpace(node.SelectAttr("enabled")), "false"),
		}
		if cfg := xmlquery.FindOne(node, "Configuration"); cfg != nil {
			c.Configuration = cfg.OutputXML(true)
		}
		s.collectors = append(s.collectors, c)
	}
	return s, nil
}

// Collectors returns every collector entry in document order.
func (s *Settings) Collectors() []Collector {
	if s == nil {
		return nil
	}
	return append([]Collector(nil), s.collectors...)
}

// Collector finds an entry by friendly name, case-insensitively.
func (s *Settings) Collector(friendlyName string) (Collector, bool) {
	if s == nil {
		return Collector{}, false
	}
	for _, c := range s.collectors {
		if strings.EqualFold(c.FriendlyName, friendlyName) {
			return c, true
		}
	}
	return Collector{}, false
}

// ConfigurationFor returns the configuration fragment of an enabled
// collector, or "" when the collector is missing or disabled.
func (s *Settings) ConfigurationFor(friendlyName string) string {
	c, ok := s.Collector(friendlyName)
	if !ok || !c.Enabled {
		return ""
	}
	return c.Configuration
}

// ConfigValue returns the trimmed text of the first element named element
// inside a configuration fragment.
func ConfigValue(fragment, element string) (string, error) {
	if strings.TrimSpace(fragment) == "" {
		return "", nil
	}
	doc, err := xmlquery.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("invalid configuration fragment: %w", err)
	}
	node := xmlquery.FindOne(doc, "//"+element)
	if node == nil {
		return "", nil
	}
	return strings.TrimSpace(node.InnerText()), nil
}
