package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

var snmpLog = logging.Component("snmp")

// =============================================================================
// SNMP Configuration
// =============================================================================

// SNMPConfig holds SNMP probe configuration. Setting SecurityName selects
// SNMPv3, otherwise v2c with Community is used.
type SNMPConfig struct {
	Port    uint16
	OID     string
	Timeout time.Duration

	// v2c
	Community string

	// v3
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPassword  string
	PrivProtocol  string
	PrivPassword  string
}

// DefaultSNMPConfig returns the v2c "public" sysUpTime probe.
func DefaultSNMPConfig() SNMPConfig {
	return SNMPConfig{
		Port:      config.DefaultSNMPPort,
		OID:       config.SNMPSysUpTimeOID,
		Timeout:   config.DefaultProbeTimeout,
		Community: config.DefaultSNMPCommunity,
	}
}

// =============================================================================
// SNMP Prober
// =============================================================================

// SNMPProber measures reachability as the round trip of one SNMP GET.
// Any response counts as a reply, including noSuchObject.
type SNMPProber struct {
	cfg SNMPConfig
}

// NewSNMPProber creates an SNMP prober, filling unset fields from
// DefaultSNMPConfig.
func NewSNMPProber(cfg SNMPConfig) (*SNMPProber, error) {
	def := DefaultSNMPConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.OID == "" {
		cfg.OID = def.OID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SecurityName == "" && cfg.Community == "" {
		cfg.Community = def.Community
	}
	return &SNMPProber{cfg: cfg}, nil
}

// Probe issues one GET to address.
func (p *SNMPProber) Probe(ctx context.Context, address string) (Result, error) {
	client := p.client(ctx, address)

	if err := client.Connect(); err != nil {
		return Result{}, fmt.Errorf("snmp connect %s: %w", address, err)
	}
	defer client.Conn.Close()

	start := time.Now()
	pdu, err := client.Get([]string{p.cfg.OID})
	rtt := time.Since(start)
	if err != nil {
		if isTimeoutError(err) || ctx.Err() != nil {
			return Result{Status: types.StatusTimedOut}, nil
		}
		return Result{}, fmt.Errorf("snmp get %s: %w", address, err)
	}
	if pdu.Error != gosnmp.NoError {
		snmpLog.Debug("snmp error status", "address", address, "status", pdu.Error)
	}
	return Result{Status: types.StatusSuccess, RTT: rtt}, nil
}

func (p *SNMPProber) client(ctx context.Context, address string) *gosnmp.GoSNMP {
	snmp := &gosnmp.GoSNMP{
		Context: ctx,
		Target:  address,
		Port:    p.cfg.Port,
		Timeout: p.cfg.Timeout,
		Retries: 0,
	}

	if p.cfg.SecurityName != "" {
		snmp.Version = gosnmp.Version3
		snmp.SecurityModel = gosnmp.UserSecurityModel
		snmp.MsgFlags = msgFlags(p.cfg.SecurityLevel)
		snmp.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 p.cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(p.cfg.AuthProtocol),
			AuthenticationPassphrase: p.cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(p.cfg.PrivProtocol),
			PrivacyPassphrase:        p.cfg.PrivPassword,
		}
	} else {
		snmp.Version = gosnmp.Version2c
		snmp.Community = p.cfg.Community
	}
	return snmp
}

// =============================================================================
// SNMPv3 Protocol Helpers
// =============================================================================

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(protocol) {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA256":
		return gosnmp.SHA256
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(protocol) {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "request timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}
