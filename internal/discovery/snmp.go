// Package discovery 通过 SNMP 读取 sysDescr 识别设备平台
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/sshcollectorpro/cling/internal/personality"
)

// SysDescrOID SNMPv2-MIB::sysDescr.0
const SysDescrOID = ".1.3.6.1.2.1.1.1.0"

var ErrNoSysDescr = errors.New("snmp: sysDescr not returned")

// SysDescrFetcher 获取目标主机的系统描述
type SysDescrFetcher interface {
	SysDescr(ctx context.Context, host string) (string, error)
}

// SNMPFetcher 基于 gosnmp 的实现，支持 v1/v2c
type SNMPFetcher struct {
	Community string
	Version   string // "1"、"2"、"2c"
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

// ParseVersion 将配置中的版本字符串转换为 gosnmp 版本
func ParseVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "v1":
		return gosnmp.Version1, nil
	case "", "2", "2c", "v2", "v2c":
		return gosnmp.Version2c, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", v)
	}
}

func (f *SNMPFetcher) SysDescr(ctx context.Context, host string) (string, error) {
	version, err := ParseVersion(f.Version)
	if err != nil {
		return "", err
	}
	community := f.Community
	if community == "" {
		community = "public"
	}
	port := f.Port
	if port == 0 {
		port = 161
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: community,
		Version:   version,
		Timeout:   timeout,
		Retries:   f.Retries,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect %s: %w", host, err)
	}
	defer g.Conn.Close()

	pkt, err := g.Get([]string{SysDescrOID})
	if err != nil {
		return "", fmt.Errorf("snmp get %s: %w", host, err)
	}
	for _, v := range pkt.Variables {
		if v.Type != gosnmp.OctetString {
			continue
		}
		if b, ok := v.Value.([]byte); ok && len(b) > 0 {
			return string(b), nil
		}
	}
	return "", ErrNoSysDescr
}

// Discover 查询 sysDescr 并在平台表中按特征匹配
func Discover(ctx context.Context, fetcher SysDescrFetcher, table *personality.Table, host string) (*personality.Personality, string, error) {
	descr, err := fetcher.SysDescr(ctx, host)
	if err != nil {
		return nil, "", err
	}
	p, err := table.LookupBySignature(descr)
	if err != nil {
		return nil, descr, fmt.Errorf("%w: %q", err, descr)
	}
	return p, descr, nil
}
