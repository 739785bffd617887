// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package tls loads the certificates used to terminate TLS on the broker
// listener and to verify the broker from clients.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnsafePath is returned for certificate paths that climb out of their
// directory with "..".
var ErrUnsafePath = errors.New("tls: path contains '..'")

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	IPAddresses  []string
	Fingerprint  string
}

// ExpiresWithin reports whether the certificate expires within d.
func (ci *CertificateInfo) ExpiresWithin(d time.Duration) bool {
	return time.Until(ci.NotAfter) <= d
}

// ParseCertificate parses the first PEM certificate block in certPEM.
func ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return infoOf(cert), nil
}

func infoOf(cert *x509.Certificate) *CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// CheckPath rejects paths with a ".." component.
func CheckPath(path string) error {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == filepath.Separator }) {
		if part == ".." {
			return fmt.Errorf("%w: %s", ErrUnsafePath, path)
		}
	}
	return nil
}

// CertificateManager holds the broker's server certificate and reloads it on
// demand, so a renewed certificate can be picked up without restarting the
// listener. Handshakes in progress keep the certificate they started with.
type CertificateManager struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate
	info *CertificateInfo
}

// NewCertificateManager loads the PEM certificate chain and key.
func NewCertificateManager(certFile, keyFile string) (*CertificateManager, error) {
	cm := &CertificateManager{certFile: certFile, keyFile: keyFile}
	if err := cm.Reload(); err != nil {
		return nil, err
	}
	return cm, nil
}

// Reload re-reads the certificate and key files.
func (cm *CertificateManager) Reload() error {
	if err := CheckPath(cm.certFile); err != nil {
		return err
	}
	if err := CheckPath(cm.keyFile); err != nil {
		return err
	}
	cert, err := tls.LoadX509KeyPair(cm.certFile, cm.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	info := infoOf(leaf)

	cm.mu.Lock()
	cm.cert = &cert
	cm.info = info
	cm.mu.Unlock()

	slog.Info("TLS certificate loaded", "subject", info.Subject, "fingerprint", info.Fingerprint, "not_after", info.NotAfter)
	if info.ExpiresWithin(30 * 24 * time.Hour) {
		slog.Warn("TLS certificate expires soon", "not_after", info.NotAfter)
	}
	return nil
}

// Info returns details of the current certificate.
func (cm *CertificateManager) Info() *CertificateInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.info
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertificateManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cert, nil
}

// TLSConfig returns a server configuration backed by the manager.
func (cm *CertificateManager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cm.GetCertificate,
	}
}

// ClientConfig builds a client TLS configuration. caFile, when set, replaces
// the system roots.
func ClientConfig(caFile, serverName string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // opt-in for self-signed test brokers
	}
	if caFile == "" {
		return cfg, nil
	}
	if err := CheckPath(caFile); err != nil {
		return nil, err
	}
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
