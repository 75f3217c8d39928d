// Package audience evaluates audience selectors against a snapshot of
// device and user attributes.
package audience

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/automaton/errors"
)

// Selector is a conjunction of attribute conditions. Unset fields match.
type Selector struct {
	NewUser           *bool         `json:"new_user,omitempty"`
	NotificationOptIn *bool         `json:"notification_opt_in,omitempty"`
	LocaleLanguages   []string      `json:"locale_languages,omitempty"`
	LocaleCountries   []string      `json:"locale_countries,omitempty"`
	AppVersion        string        `json:"app_version,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	Hash              *HashSelector `json:"hash,omitempty"`
}

// HashProperty selects the identifier a hash selector buckets on.
type HashProperty string

const (
	HashChannel HashProperty = "channel"
	HashContact HashProperty = "contact"
)

// HashSelector assigns devices to stable buckets and matches a bucket range.
type HashSelector struct {
	Seed     string       `json:"seed"`
	Property HashProperty `json:"property,omitempty"`
	Buckets  uint32       `json:"num_hash_buckets"`
	Min      uint32       `json:"min"`
	Max      uint32       `json:"max"`
}

// DeviceInfo is a point-in-time view of the device.
type DeviceInfo struct {
	ChannelID         string
	ContactID         string
	InstallDate       time.Time
	NotificationOptIn bool
	Locale            string
	AppVersion        string
	Tags              []string
}

// Language returns the language part of Locale ("en" for "en-US").
func (d DeviceInfo) Language() string {
	lang, _, _ := strings.Cut(strings.ReplaceAll(d.Locale, "_", "-"), "-")
	return strings.ToLower(lang)
}

// Country returns the region part of Locale ("US" for "en-US").
func (d DeviceInfo) Country() string {
	_, country, _ := strings.Cut(strings.ReplaceAll(d.Locale, "_", "-"), "-")
	return strings.ToUpper(country)
}

// DeviceInfoProvider produces device snapshots.
type DeviceInfoProvider interface {
	Snapshot(ctx context.Context) (DeviceInfo, error)
}

// StaticDeviceInfo always returns the same snapshot. Used by the CLI, where
// device attributes come from configuration.
type StaticDeviceInfo struct {
	Info DeviceInfo
}

func (s StaticDeviceInfo) Snapshot(context.Context) (DeviceInfo, error) {
	return s.Info, nil
}

// Checker evaluates selectors.
type Checker struct{}

// NewChecker returns a selector evaluator.
func NewChecker() *Checker { return &Checker{} }

// Evaluate reports whether info matches the selector. created is the schedule
// creation date, used for the new-user condition. A nil selector matches.
func (c *Checker) Evaluate(_ context.Context, sel *Selector, created time.Time, info DeviceInfo) (bool, error) {
	if sel == nil {
		return true, nil
	}

	if sel.NewUser != nil {
		isNew := !info.InstallDate.Before(created)
		if isNew != *sel.NewUser {
			return false, nil
		}
	}

	if sel.NotificationOptIn != nil && *sel.NotificationOptIn != info.NotificationOptIn {
		return false, nil
	}

	if len(sel.LocaleLanguages) > 0 && !containsFold(sel.LocaleLanguages, info.Language()) {
		return false, nil
	}
	if len(sel.LocaleCountries) > 0 && !containsFold(sel.LocaleCountries, info.Country()) {
		return false, nil
	}

	if sel.AppVersion != "" {
		ok, err := versionMatches(sel.AppVersion, info.AppVersion)
		if err != nil || !ok {
			return false, err
		}
	}

	for _, tag := range sel.Tags {
		if !containsFold(info.Tags, tag) {
			return false, nil
		}
	}

	if sel.Hash != nil && !sel.Hash.matches(info) {
		return false, nil
	}

	return true, nil
}

func versionMatches(constraint, version string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(errors.ErrInvalidRequest, "app version constraint %q: %v", constraint, err)
	}
	if version == "" {
		return false, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, nil
	}
	return c.Check(v), nil
}

func (h *HashSelector) matches(info DeviceInfo) bool {
	if h.Buckets == 0 {
		return false
	}
	id := info.ChannelID
	if h.Property == HashContact {
		id = info.ContactID
	}
	if id == "" {
		return false
	}
	bucket := Bucket(h.Seed, id, h.Buckets)
	return bucket >= h.Min && bucket <= h.Max
}

// Bucket maps an identifier to one of n stable buckets.
func Bucket(seed, id string, n uint32) uint32 {
	f := fnv.New32a()
	f.Write([]byte(seed))
	f.Write([]byte(":"))
	f.Write([]byte(id))
	return f.Sum32() % n
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
