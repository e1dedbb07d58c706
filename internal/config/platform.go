package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/pledgevault/internal/app/services/funding"
)

// platformDoc is the on-disk shape of config/platform.yaml. The fee rates are
// pointers so an omitted rate falls back to the default while an explicit 0
// means free.
type platformDoc struct {
	Platform struct {
		FeeAccount     string  `yaml:"fee_account"`
		CreationFeeBps *uint64 `yaml:"creation_fee_bps"`
		DonationFeeBps *uint64 `yaml:"donation_fee_bps"`
		Custody        string  `yaml:"custody"`
	} `yaml:"platform"`
}

// LoadPlatformPolicy loads the funding policy from config/platform.yaml.
func LoadPlatformPolicy() (funding.Policy, error) {
	return LoadPlatformPolicyFromPath(filepath.Join("config", "platform.yaml"))
}

// LoadPlatformPolicyFromPath loads and validates the funding policy from a
// specific file.
func LoadPlatformPolicyFromPath(path string) (funding.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return funding.Policy{}, fmt.Errorf("read platform policy: %w", err)
	}

	var doc platformDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return funding.Policy{}, fmt.Errorf("parse platform policy %s: %w", path, err)
	}

	policy := funding.DefaultPolicy()
	if account := strings.TrimSpace(doc.Platform.FeeAccount); account != "" {
		policy.FeeAccount = account
	}
	if doc.Platform.CreationFeeBps != nil {
		policy.CreationFeeBps = *doc.Platform.CreationFeeBps
	}
	if doc.Platform.DonationFeeBps != nil {
		policy.DonationFeeBps = *doc.Platform.DonationFeeBps
	}
	if custody := strings.TrimSpace(doc.Platform.Custody); custody != "" {
		policy.Custody = funding.CustodyPolicy(custody)
	}

	if err := policy.Validate(); err != nil {
		return funding.Policy{}, fmt.Errorf("platform policy %s: %w", path, err)
	}
	return policy, nil
}

// LoadPlatformPolicyOrDefault loads the policy file or falls back to the
// defaults when the file does not exist. A present but invalid file is an
// error.
func LoadPlatformPolicyOrDefault(path string) (funding.Policy, error) {
	policy, err := LoadPlatformPolicyFromPath(path)
	if errors.Is(err, os.ErrNotExist) {
		return funding.DefaultPolicy(), nil
	}
	if err != nil {
		return funding.Policy{}, err
	}
	return policy, nil
}
