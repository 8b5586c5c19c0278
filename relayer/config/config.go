// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/relay"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel                  = "info"
	defaultAPIPort                   = uint16(8080)
	defaultMetricsPort               = uint16(9090)
	defaultStorageLocation           = "./.relayer-storage"
	defaultPollIntervalSeconds       = uint64(10)
	defaultMaxAttempts               = 5
	defaultInitialBackoffMS          = uint64(1_000)
	defaultMaxBackoffMS              = uint64(60_000)
	defaultMaxBatchSize              = 16
	defaultTxInclusionTimeoutSeconds = uint64(30)
	defaultMaxBlocksPerRequest       = uint64(200)
)

var (
	errNoLinks           = errors.New("no links configured")
	errDuplicateLinkName = errors.New("duplicate link name")
	errInvalidAddress    = errors.New("invalid address")
	errInvalidURL        = errors.New("invalid rpc url")
	errInvalidBackoff    = errors.New("invalid backoff")
	errSameDomain        = errors.New("source and destination domains are equal")
	errMissingKey        = errors.New("missing account private key")
	errConflictingSender = errors.New("conflicting destination settings for shared sender")
)

// Config is the top-level relayer configuration.
type Config struct {
	LogLevel          string        `mapstructure:"log-level" json:"log-level"`
	APIPort           uint16        `mapstructure:"api-port" json:"api-port"`
	MetricsPort       uint16        `mapstructure:"metrics-port" json:"metrics-port"`
	StorageLocation   string        `mapstructure:"storage-location" json:"storage-location"`
	AccountPrivateKey string        `mapstructure:"account-private-key" json:"account-private-key"`
	Links             []*LinkConfig `mapstructure:"links" json:"links"`
}

// SourceConfig describes the station a link indexes.
type SourceConfig struct {
	DomainID            uint64  `mapstructure:"domain-id" json:"domain-id"`
	RPCURL              string  `mapstructure:"rpc-url" json:"rpc-url"`
	StationAddress      string  `mapstructure:"station-address" json:"station-address"`
	MessageVersion      string  `mapstructure:"message-version" json:"message-version"`
	ReorgPeriod         uint64  `mapstructure:"reorg-period" json:"reorg-period"`
	StartBlock          uint64  `mapstructure:"start-block" json:"start-block"`
	MaxBlocksPerRequest uint64  `mapstructure:"max-blocks-per-request" json:"max-blocks-per-request"`
	RequestsPerSecond   float64 `mapstructure:"requests-per-second" json:"requests-per-second"`

	// convenience fields to access parsed data after initialization
	stationAddress common.Address
	version        relay.Version
}

// DestinationConfig describes the landing contract a link submits to.
type DestinationConfig struct {
	DomainID                  uint64 `mapstructure:"domain-id" json:"domain-id"`
	RPCURL                    string `mapstructure:"rpc-url" json:"rpc-url"`
	LandingAddress            string `mapstructure:"landing-address" json:"landing-address"`
	AccountPrivateKey         string `mapstructure:"account-private-key" json:"account-private-key"`
	MaxBaseFee                uint64 `mapstructure:"max-base-fee" json:"max-base-fee"`
	MaxPriorityFeePerGas      uint64 `mapstructure:"max-priority-fee-per-gas" json:"max-priority-fee-per-gas"`
	GasLimit                  uint64 `mapstructure:"gas-limit" json:"gas-limit"`
	TxInclusionTimeoutSeconds uint64 `mapstructure:"tx-inclusion-timeout-seconds" json:"tx-inclusion-timeout-seconds"`

	landingAddress common.Address
	privateKey     *ecdsa.PrivateKey
}

type LinkConfig struct {
	Name                string            `mapstructure:"name" json:"name"`
	Source              SourceConfig      `mapstructure:"source" json:"source"`
	Destination         DestinationConfig `mapstructure:"destination" json:"destination"`
	PollIntervalSeconds uint64            `mapstructure:"poll-interval-seconds" json:"poll-interval-seconds"`
	MaxAttempts         int               `mapstructure:"max-attempts" json:"max-attempts"`
	InitialBackoffMS    uint64            `mapstructure:"initial-backoff-ms" json:"initial-backoff-ms"`
	MaxBackoffMS        uint64            `mapstructure:"max-backoff-ms" json:"max-backoff-ms"`
	MaxBatchSize        int               `mapstructure:"max-batch-size" json:"max-batch-size"`
}

// Validate checks the configuration and parses the derived fields. It fills in
// defaults for unset per-link values.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if len(c.Links) == 0 {
		return errNoLinks
	}
	names := make(map[string]struct{}, len(c.Links))
	senders := make(map[SenderKey]*LinkConfig, len(c.Links))
	for i, l := range c.Links {
		if l == nil {
			return fmt.Errorf("link %d is empty", i)
		}
		if l.Name == "" {
			l.Name = fmt.Sprintf("%d-%d", l.Source.DomainID, l.Destination.DomainID)
		}
		if _, ok := names[l.Name]; ok {
			return fmt.Errorf("%w: %s", errDuplicateLinkName, l.Name)
		}
		names[l.Name] = struct{}{}
		if l.Destination.AccountPrivateKey == "" {
			l.Destination.AccountPrivateKey = c.AccountPrivateKey
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("invalid link %s: %w", l.Name, err)
		}
		// Links signing with one account on one domain share a submitter.
		key := l.Destination.GetSenderKey()
		if other, ok := senders[key]; ok && !other.Destination.sameSubmitter(&l.Destination) {
			return fmt.Errorf("%w: links %s and %s", errConflictingSender, other.Name, l.Name)
		}
		senders[key] = l
	}
	return nil
}

// SenderKey identifies one signing account on one destination domain.
type SenderKey struct {
	Domain uint64
	Sender common.Address
}

// GetSenderKey returns the key under which links share a destination
// submitter. It must be called after Validate.
func (d *DestinationConfig) GetSenderKey() SenderKey {
	return SenderKey{
		Domain: d.DomainID,
		Sender: common.Address(crypto.PubkeyToAddress(d.privateKey.PublicKey)),
	}
}

func (d *DestinationConfig) sameSubmitter(o *DestinationConfig) bool {
	return d.RPCURL == o.RPCURL &&
		d.landingAddress == o.landingAddress &&
		d.MaxBaseFee == o.MaxBaseFee &&
		d.MaxPriorityFeePerGas == o.MaxPriorityFeePerGas &&
		d.GasLimit == o.GasLimit &&
		d.TxInclusionTimeoutSeconds == o.TxInclusionTimeoutSeconds
}

func (l *LinkConfig) Validate() error {
	if l.Source.DomainID == l.Destination.DomainID {
		return fmt.Errorf("%w: %d", errSameDomain, l.Source.DomainID)
	}
	if err := l.Source.Validate(); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	if err := l.Destination.Validate(); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	if l.PollIntervalSeconds == 0 {
		l.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = defaultMaxAttempts
	}
	if l.InitialBackoffMS == 0 {
		l.InitialBackoffMS = defaultInitialBackoffMS
	}
	if l.MaxBackoffMS == 0 {
		l.MaxBackoffMS = max(defaultMaxBackoffMS, l.InitialBackoffMS)
	}
	if l.InitialBackoffMS > l.MaxBackoffMS {
		return fmt.Errorf("%w: initial %dms exceeds max %dms", errInvalidBackoff, l.InitialBackoffMS, l.MaxBackoffMS)
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = defaultMaxBatchSize
	}
	return nil
}

func (s *SourceConfig) Validate() error {
	if err := validateURL(s.RPCURL); err != nil {
		return err
	}
	if !common.IsHexAddress(s.StationAddress) {
		return fmt.Errorf("%w: station %q", errInvalidAddress, s.StationAddress)
	}
	s.stationAddress = common.HexToAddress(s.StationAddress)
	if s.MessageVersion == "" {
		s.MessageVersion = relay.VersionV1.String()
	}
	version, err := relay.ParseVersion(s.MessageVersion)
	if err != nil {
		return err
	}
	s.version = version
	if s.MaxBlocksPerRequest == 0 {
		s.MaxBlocksPerRequest = defaultMaxBlocksPerRequest
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("negative requests per second %f", s.RequestsPerSecond)
	}
	return nil
}

func (d *DestinationConfig) Validate() error {
	if err := validateURL(d.RPCURL); err != nil {
		return err
	}
	if !common.IsHexAddress(d.LandingAddress) {
		return fmt.Errorf("%w: landing %q", errInvalidAddress, d.LandingAddress)
	}
	d.landingAddress = common.HexToAddress(d.LandingAddress)
	if d.AccountPrivateKey == "" {
		return errMissingKey
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(d.AccountPrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid account private key: %w", err)
	}
	d.privateKey = pk
	if d.TxInclusionTimeoutSeconds == 0 {
		d.TxInclusionTimeoutSeconds = defaultTxInclusionTimeoutSeconds
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", errInvalidURL, raw)
	}
	return nil
}

func (s *SourceConfig) GetStationAddress() common.Address { return s.stationAddress }
func (s *SourceConfig) GetVersion() relay.Version         { return s.version }

func (d *DestinationConfig) GetLandingAddress() common.Address { return d.landingAddress }
func (d *DestinationConfig) GetPrivateKey() *ecdsa.PrivateKey  { return d.privateKey }
func (d *DestinationConfig) GetTxInclusionTimeout() time.Duration {
	return time.Duration(d.TxInclusionTimeoutSeconds) * time.Second
}

func (l *LinkConfig) GetPollInterval() time.Duration {
	return time.Duration(l.PollIntervalSeconds) * time.Second
}

func (l *LinkConfig) GetInitialBackoff() time.Duration {
	return time.Duration(l.InitialBackoffMS) * time.Millisecond
}

func (l *LinkConfig) GetMaxBackoff() time.Duration {
	return time.Duration(l.MaxBackoffMS) * time.Millisecond
}
