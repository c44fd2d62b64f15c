// Package config parses a workflow directory's config.xml.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the attributes recognized from config.xml (spec §6).
type Config struct {
	XMLName             xml.Name `xml:"config"`
	JobTree             string   `xml:"job_tree,attr"`
	RescueJobsFrequency float64  `xml:"rescue_jobs_frequency,attr"`
	MaxJobDuration      float64  `xml:"max_job_duration,attr"`
	JobTime             float64  `xml:"job_time,attr"`
	Stats               bool     `xml:"stats,attr"`
}

// RescueJobsFrequencyDuration is RescueJobsFrequency as a time.Duration.
func (c Config) RescueJobsFrequencyDuration() time.Duration {
	return time.Duration(c.RescueJobsFrequency * float64(time.Second))
}

// MaxJobDurationDuration is MaxJobDuration as a time.Duration.
func (c Config) MaxJobDurationDuration() time.Duration {
	return time.Duration(c.MaxJobDuration * float64(time.Second))
}

// JobTimeDuration is JobTime as a time.Duration.
func (c Config) JobTimeDuration() time.Duration {
	return time.Duration(c.JobTime * float64(time.Second))
}

// Load reads and parses <jobTreePath>/config.xml.
func Load(jobTreePath string) (Config, error) {
	path := filepath.Join(jobTreePath, "config.xml")
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := xml.NewDecoder(f).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.JobTree == "" {
		c.JobTree = jobTreePath
	}
	return c, nil
}
