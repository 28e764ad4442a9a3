// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Settings holds the hyperparameters of the optimizer and of the training loop.
//
// It is a value: once created (see DefaultSettings and ParseSettings) it is not changed, only copied.
type Settings struct {
	// LearningRate is the base learning rate, decayed with Gamma and Exponent (see Trainer.LearningRate).
	LearningRate float32

	// L1Weight and L2Weight are the weights of the L1 and L2 regularization of the parameters.
	L1Weight, L2Weight float32

	// Momentum of the SGD updates.
	Momentum float32

	// Gamma and Exponent define the decay of the learning rate: LearningRate * (1 + Gamma*step)^(-Exponent).
	Gamma, Exponent float32

	// Iterations is the default number of training steps.
	Iterations int

	// SBatchSize is the number of samples processed at once by the graph (the samples of the input layer).
	SBatchSize int

	// PBatchSize is the number of forward/backward passes whose gradients are averaged for each update.
	PBatchSize int

	// EpochTrainingRatio is the fraction of the dataset samples that constitutes one "epoch" (see Loop.RunEpochs).
	EpochTrainingRatio float32
}

// DefaultSettings returns the settings used for values not given in the configuration.
func DefaultSettings() Settings {
	return Settings{
		LearningRate:       0.0001,
		L1Weight:           0.001,
		L2Weight:           0.0005,
		Momentum:           0.9,
		Gamma:              0.0001,
		Exponent:           0.75,
		Iterations:         500,
		SBatchSize:         1,
		PBatchSize:         1,
		EpochTrainingRatio: 1,
	}
}

// fields maps the configuration key of each setting to a pointer to its value.
func (s *Settings) fields() map[string]any {
	return map[string]any{
		"lr":                   &s.LearningRate,
		"l1":                   &s.L1Weight,
		"l2":                   &s.L2Weight,
		"momentum":             &s.Momentum,
		"gamma":                &s.Gamma,
		"exponent":             &s.Exponent,
		"iterations":           &s.Iterations,
		"sbatchsize":           &s.SBatchSize,
		"pbatchsize":           &s.PBatchSize,
		"epoch_training_ratio": &s.EpochTrainingRatio,
	}
}

// Keys returns the configuration keys of the settings, sorted.
func Keys() []string {
	var s Settings
	fields := s.fields()
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// ParseSettings returns the DefaultSettings updated with the given values. See Settings.Update.
func ParseSettings(values map[string]string) (Settings, error) {
	return DefaultSettings().Update(values)
}

// Update returns a copy of the settings with the given values (indexed by configuration key) parsed and set.
//
// The type of each setting selects the parser. For integers, "_" is removed: it allows one to enter large
// numbers using it as a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// It returns an error if a key is unknown, a value fails to parse or the resulting settings are invalid.
func (s Settings) Update(values map[string]string) (Settings, error) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	fields := s.fields()
	for _, key := range keys {
		valueStr := strings.TrimSpace(values[key])
		field, found := fields[key]
		if !found {
			return s, errors.Errorf("unknown training setting %q: known settings are %v", key, Keys())
		}
		var err error
		switch v := field.(type) {
		case *int:
			valueStr = strings.ReplaceAll(valueStr, "_", "")
			err = json.Unmarshal([]byte(valueStr), v)
		case *float32:
			err = json.Unmarshal([]byte(valueStr), v)
		default:
			err = fmt.Errorf("don't know how to parse type %T", field)
		}
		if err != nil {
			return s, errors.Wrapf(err, "failed to parse value %q for training setting %q", valueStr, key)
		}
	}
	return s, s.Validate()
}

// UpdateFromString is like Update, but takes the settings as a string with the format
// "<key>=<value>;<key>=<value>;...", typically given by a command-line flag.
func (s Settings) UpdateFromString(settings string) (Settings, error) {
	values := make(map[string]string)
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		if !found {
			return s, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		values[strings.TrimSpace(key)] = value
	}
	return s.Update(values)
}

// Validate returns an error if some setting is out of its valid range.
func (s Settings) Validate() error {
	switch {
	case s.LearningRate <= 0:
		return errors.Errorf("lr must be > 0, got %g", s.LearningRate)
	case s.L1Weight < 0 || s.L2Weight < 0:
		return errors.Errorf("l1 and l2 must be >= 0, got %g and %g", s.L1Weight, s.L2Weight)
	case s.Momentum < 0 || s.Momentum >= 1:
		return errors.Errorf("momentum must be in [0, 1), got %g", s.Momentum)
	case s.Gamma < 0 || s.Exponent < 0:
		return errors.Errorf("gamma and exponent must be >= 0, got %g and %g", s.Gamma, s.Exponent)
	case s.Iterations < 0:
		return errors.Errorf("iterations must be >= 0, got %d", s.Iterations)
	case s.SBatchSize < 1 || s.PBatchSize < 1:
		return errors.Errorf("sbatchsize and pbatchsize must be >= 1, got %d and %d", s.SBatchSize, s.PBatchSize)
	case s.EpochTrainingRatio <= 0:
		return errors.Errorf("epoch_training_ratio must be > 0, got %g", s.EpochTrainingRatio)
	}
	return nil
}

// String implements fmt.Stringer, listing the settings in the configuration format.
func (s Settings) String() string {
	fields := s.fields()
	parts := make([]string, 0, len(fields))
	for _, key := range Keys() {
		switch v := fields[key].(type) {
		case *int:
			parts = append(parts, fmt.Sprintf("%s=%d", key, *v))
		case *float32:
			parts = append(parts, fmt.Sprintf("%s=%g", key, *v))
		}
	}
	return strings.Join(parts, ";")
}
