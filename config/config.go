/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config holds the core's external configuration surface
// (spec §6) as one typed struct, the way storage/settings.go keeps a
// single package-level SettingsT rather than scattering flags through
// every subsystem. Unlike the teacher's SettingsT, values here are
// handed to each component explicitly (selector.Config, view.Group,
// txn.Config, wal.Options) instead of read from a package global, so a
// process can run more than one graph with different settings.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/selector"
	"github.com/launix-de/fxd/txn"
	"github.com/launix-de/fxd/wal"
)

// Settings is the full configuration surface (spec §6). Zero value is
// invalid; build one with Default() and override fields, or parse one
// with FromMap.
type Settings struct {
	SelectorAttrResolution  []selector.ResolutionSource
	SelectorClassMatchesType bool
	SelectorEnableHas       bool

	GroupsReactiveDefault bool
	GroupsDebounceMs      int

	Autosave txn.Config

	WALFsyncPolicy      wal.FsyncPolicy
	WALFsyncIntervalMs  int
	WALMaxFrameSize     string // human-readable size, e.g. "16MiB" (docker/go-units)
}

// Default returns the documented defaults from spec §6/§4.10.
func Default() Settings {
	return Settings{
		SelectorAttrResolution:   []selector.ResolutionSource{selector.SourceMeta, selector.SourceType, selector.SourceRaw, selector.SourceChild},
		SelectorClassMatchesType: true,
		SelectorEnableHas:        false,

		GroupsReactiveDefault: true,
		GroupsDebounceMs:      20,

		Autosave: txn.Config{
			Enabled:        true,
			Interval:       2 * time.Second,
			BatchSize:      64,
			Strategy:       txn.StrategyHybrid,
			CountThreshold: 200,
		},

		WALFsyncPolicy:     wal.FsyncInterval,
		WALFsyncIntervalMs: 200,
		WALMaxFrameSize:    "64MiB",
	}
}

// SelectorConfig projects Settings onto the selector package's own
// Config shape.
func (s Settings) SelectorConfig() selector.Config {
	return selector.Config{
		AttrResolution:   s.SelectorAttrResolution,
		ClassMatchesType: s.SelectorClassMatchesType,
	}
}

// GroupsDebounce returns the configured debounce window as a Duration.
func (s Settings) GroupsDebounce() time.Duration {
	return time.Duration(s.GroupsDebounceMs) * time.Millisecond
}

// WALOptions projects Settings onto wal.Options.
func (s Settings) WALOptions() (wal.Options, error) {
	maxFrame, err := units.RAMInBytes(s.WALMaxFrameSize)
	if err != nil {
		return wal.Options{}, fxderr.Wrap(fxderr.InvalidArgument, "config: wal.max_frame_size", err)
	}
	_ = maxFrame // validated above; wal itself has no frame-size cap to enforce yet
	return wal.Options{
		FsyncPolicy:   s.WALFsyncPolicy,
		FsyncInterval: time.Duration(s.WALFsyncIntervalMs) * time.Millisecond,
	}, nil
}

// DescribeWAL reports the effective fsync policy and max frame size in
// the human-readable form docker/go-units formats elsewhere in the
// stack, for diagnostics/logging.
func (s Settings) DescribeWAL() string {
	maxFrame, err := units.RAMInBytes(s.WALMaxFrameSize)
	if err != nil {
		maxFrame = 0
	}
	return strings.Join([]string{
		"fsync=" + fsyncPolicyName(s.WALFsyncPolicy),
		"interval=" + strconv.Itoa(s.WALFsyncIntervalMs) + "ms",
		"max_frame=" + units.BytesSize(float64(maxFrame)),
	}, " ")
}

func fsyncPolicyName(p wal.FsyncPolicy) string {
	switch p {
	case wal.FsyncAlways:
		return "always"
	case wal.FsyncInterval:
		return "interval"
	case wal.FsyncNever:
		return "never"
	default:
		return "unknown"
	}
}

// FromMap parses a flat string-keyed settings map (as would come from
// a config file or CLI flag set) into Settings, starting from Default()
// and overriding only the keys present — mirroring
// storage.ChangeSettings's "only touch what's named" update semantics,
// but as a pure function instead of a package-global mutator.
func FromMap(m map[string]string) (Settings, error) {
	s := Default()

	if v, ok := m["selectors.attr_resolution"]; ok {
		sources, err := parseAttrResolution(v)
		if err != nil {
			return s, err
		}
		s.SelectorAttrResolution = sources
	}
	if v, ok := m["selectors.class_matches_type"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: selectors.class_matches_type", err)
		}
		s.SelectorClassMatchesType = b
	}
	if v, ok := m["selectors.enable_has"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: selectors.enable_has", err)
		}
		s.SelectorEnableHas = b
	}

	if v, ok := m["groups.reactive_default"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: groups.reactive_default", err)
		}
		s.GroupsReactiveDefault = b
	}
	if v, ok := m["groups.debounce_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: groups.debounce_ms", err)
		}
		s.GroupsDebounceMs = n
	}

	if v, ok := m["autosave.enabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: autosave.enabled", err)
		}
		s.Autosave.Enabled = b
	}
	if v, ok := m["autosave.interval_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: autosave.interval_ms", err)
		}
		s.Autosave.Interval = time.Duration(n) * time.Millisecond
	}
	if v, ok := m["autosave.batch_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: autosave.batch_size", err)
		}
		s.Autosave.BatchSize = n
	}
	if v, ok := m["autosave.strategy"]; ok {
		switch v {
		case txn.StrategyTime, txn.StrategyCount, txn.StrategyHybrid:
			s.Autosave.Strategy = v
		default:
			return s, fxderr.New(fxderr.InvalidArgument, "config: autosave.strategy must be one of time, count, hybrid, got "+v)
		}
	}
	if v, ok := m["autosave.count_threshold"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: autosave.count_threshold", err)
		}
		s.Autosave.CountThreshold = n
	}

	if v, ok := m["wal.fsync_policy"]; ok {
		switch v {
		case "always":
			s.WALFsyncPolicy = wal.FsyncAlways
		case "interval":
			s.WALFsyncPolicy = wal.FsyncInterval
		case "never":
			s.WALFsyncPolicy = wal.FsyncNever
		default:
			return s, fxderr.New(fxderr.InvalidArgument, "config: wal.fsync_policy must be one of always, interval, never, got "+v)
		}
	}
	if v, ok := m["wal.fsync_interval_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: wal.fsync_interval_ms", err)
		}
		s.WALFsyncIntervalMs = n
	}
	if v, ok := m["wal.max_frame_size"]; ok {
		if _, err := units.RAMInBytes(v); err != nil {
			return s, fxderr.Wrap(fxderr.InvalidArgument, "config: wal.max_frame_size", err)
		}
		s.WALMaxFrameSize = v
	}

	return s, nil
}

func parseAttrResolution(v string) ([]selector.ResolutionSource, error) {
	parts := strings.Split(v, ",")
	out := make([]selector.ResolutionSource, 0, len(parts))
	for _, p := range parts {
		switch strings.TrimSpace(p) {
		case "meta":
			out = append(out, selector.SourceMeta)
		case "type":
			out = append(out, selector.SourceType)
		case "raw":
			out = append(out, selector.SourceRaw)
		case "child":
			out = append(out, selector.SourceChild)
		default:
			return nil, fxderr.New(fxderr.InvalidArgument, "config: selectors.attr_resolution has unknown source "+p)
		}
	}
	if len(out) == 0 {
		return nil, fxderr.New(fxderr.InvalidArgument, "config: selectors.attr_resolution must not be empty")
	}
	return out, nil
}
