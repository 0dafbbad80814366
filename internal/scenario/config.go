package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted session: which subjects are present on which ticks
// and which events they raise.
type Scenario struct {
	Name         string        `yaml:"name"`
	Ticks        int64         `yaml:"ticks"`
	TickInterval time.Duration `yaml:"-"`
	Subjects     []SubjectSpec `yaml:"subjects"`
	Events       []EventSpec   `yaml:"events"`

	TickIntervalRaw string `yaml:"tick_interval"`
}

// Vec is a 2D position or velocity.
type Vec struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type SubjectSpec struct {
	ID       string  `yaml:"id"`
	Join     int64   `yaml:"join"`      // first tick present, default 1
	Leave    int64   `yaml:"leave"`     // first tick absent, 0 = stays
	Respawn  []int64 `yaml:"respawn"`   // ticks that start a new episode
	MaxSteps int64   `yaml:"max_steps"` // frames per episode before timeout, 0 = unlimited
	Start    Vec     `yaml:"start"`
	Velocity Vec     `yaml:"velocity"`
}

// Active reports whether the subject is present on tick.
func (s SubjectSpec) Active(tick int64) bool {
	return tick >= s.Join && (s.Leave == 0 || tick < s.Leave)
}

type EventSpec struct {
	Tick    int64          `yaml:"tick"`
	Subject string         `yaml:"subject"`
	Type    string         `yaml:"type"`
	Data    map[string]any `yaml:"data"`
}

// LoadConfig reads a scenario file.
func LoadConfig(path string) (*Scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader parses, defaults and validates a scenario.
func LoadConfigFromReader(r io.Reader) (*Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scenario: %w", err)
	}

	sc.applyDefaults()
	if err := sc.parseDurations(); err != nil {
		return nil, err
	}
	sc.expandFields()

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Scenario) applyDefaults() {
	if strings.TrimSpace(s.Name) == "" {
		s.Name = "scenario"
	}
	if strings.TrimSpace(s.TickIntervalRaw) == "" {
		s.TickIntervalRaw = "0s"
	}
	for i := range s.Subjects {
		if s.Subjects[i].Join <= 0 {
			s.Subjects[i].Join = 1
		}
	}
}

func (s *Scenario) parseDurations() error {
	d, err := time.ParseDuration(strings.TrimSpace(s.TickIntervalRaw))
	if err != nil {
		return fmt.Errorf("scenario: invalid tick_interval %q: %w", s.TickIntervalRaw, err)
	}
	if d < 0 {
		return fmt.Errorf("scenario: tick_interval must not be negative")
	}
	s.TickInterval = d
	return nil
}

func (s *Scenario) expandFields() {
	s.Name = strings.TrimSpace(os.ExpandEnv(s.Name))
	for i := range s.Subjects {
		s.Subjects[i].ID = strings.TrimSpace(s.Subjects[i].ID)
	}
	for i := range s.Events {
		s.Events[i].Subject = strings.TrimSpace(s.Events[i].Subject)
		s.Events[i].Type = strings.TrimSpace(s.Events[i].Type)
	}
}

// Validate ensures scenario sanity.
func (s *Scenario) Validate() error {
	if s.Ticks <= 0 {
		return errors.New("scenario: ticks must be positive")
	}
	if len(s.Subjects) == 0 {
		return errors.New("scenario: at least one subject must be defined")
	}
	seen := make(map[string]struct{}, len(s.Subjects))
	for i, sub := range s.Subjects {
		if sub.ID == "" {
			return fmt.Errorf("scenario: subjects[%d].id is required", i)
		}
		if _, dup := seen[sub.ID]; dup {
			return fmt.Errorf("scenario: duplicate subject id %q", sub.ID)
		}
		seen[sub.ID] = struct{}{}
		if sub.Leave != 0 && sub.Leave <= sub.Join {
			return fmt.Errorf("scenario: subjects[%d].leave must be after join", i)
		}
		if sub.MaxSteps < 0 {
			return fmt.Errorf("scenario: subjects[%d].max_steps cannot be negative", i)
		}
		for _, tick := range sub.Respawn {
			if !sub.Active(tick) {
				return fmt.Errorf("scenario: subjects[%d] respawns on tick %d while absent", i, tick)
			}
		}
	}
	for i, ev := range s.Events {
		if ev.Type == "" {
			return fmt.Errorf("scenario: events[%d].type is required", i)
		}
		if _, ok := seen[ev.Subject]; !ok {
			return fmt.Errorf("scenario: events[%d] references undefined subject %q", i, ev.Subject)
		}
		if ev.Tick < 1 || ev.Tick > s.Ticks {
			return fmt.Errorf("scenario: events[%d].tick %d outside 1..%d", i, ev.Tick, s.Ticks)
		}
	}
	return nil
}
