package handlers

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"AI_PROCTOR/go-monitor/internal/models"
)

// Step is a run of identical replies in a response script.
type Step struct {
	Repeat         int      `yaml:"repeat"`
	Alert          string   `yaml:"alert"`
	BehaviorStatus string   `yaml:"behavior_status"`
	Devices        []string `yaml:"devices"`
	Confidence     float64  `yaml:"conf"`
	NumFaces       *int     `yaml:"num_faces"`
	GazeHorizontal float64  `yaml:"gaze_horizontal"`
	GazeVertical   float64  `yaml:"gaze_vertical"`
	Error          string   `yaml:"error"`
	Viz            bool     `yaml:"viz"`
}

// Script decides what the reference server answers to the n-th frame of a
// connection. Without Loop the last step repeats forever.
type Script struct {
	Steps []Step `yaml:"steps"`
	Loop  bool   `yaml:"loop"`

	total int
}

func DefaultScript() *Script {
	s := &Script{Steps: []Step{{Alert: models.AlertNone, BehaviorStatus: "Focused", Confidence: 0.95}}}
	_ = s.validate()
	return s
}

func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script: no steps")
	}
	s.total = 0
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Repeat <= 0 {
			st.Repeat = 1
		}
		if st.Alert == "" {
			st.Alert = models.AlertNone
		}
		for _, k := range models.ParseAlert(st.Alert) {
			if !k.Known() {
				return fmt.Errorf("script: step %d: unknown violation kind %q", i+1, k)
			}
		}
		if st.Confidence < 0 || st.Confidence > 1 {
			return fmt.Errorf("script: step %d: conf must be in 0..1", i+1)
		}
		s.total += st.Repeat
	}
	return nil
}

// Len is the number of frames one pass of the script covers.
func (s *Script) Len() int {
	return s.total
}

// At returns the step answering frame n (0-based).
func (s *Script) At(n int) Step {
	if n >= s.total {
		if !s.Loop {
			return s.Steps[len(s.Steps)-1]
		}
		n %= s.total
	}
	for _, st := range s.Steps {
		if n < st.Repeat {
			return st
		}
		n -= st.Repeat
	}
	return s.Steps[len(s.Steps)-1]
}

// Message renders a step as a result message.
func (st Step) Message() models.ResultMessage {
	if st.Error != "" {
		return models.ResultMessage{Error: st.Error}
	}
	faces := 1
	if st.NumFaces != nil {
		faces = *st.NumFaces
	}
	return models.ResultMessage{
		BehaviorStatus:  st.BehaviorStatus,
		DevicesDetected: append([]string{}, st.Devices...),
		Alert:           st.Alert,
		Conf:            st.Confidence,
		Details: &models.ResultDetails{
			NumFaces:       faces,
			GazeHorizontal: st.GazeHorizontal,
			GazeVertical:   st.GazeVertical,
		},
	}
}
