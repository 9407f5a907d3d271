package httpcache

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/any-hub/any-fetch/internal/diskcache"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/httpwire"
)

// responseInfoVersion 变更持久化格式时递增，旧格式的条目按读取失败处理。
const responseInfoVersion = 1

type persistedResponseInfo struct {
	Version      int               `json:"v"`
	RequestTime  time.Time         `json:"request_time"`
	ResponseTime time.Time         `json:"response_time"`
	Headers      string            `json:"headers"`
	CertStatus   uint32            `json:"cert_status,omitempty"`
	PeerChain    [][]byte          `json:"peer_chain,omitempty"`
	TLSVersion   uint16            `json:"tls_version,omitempty"`
	VaryData     map[string]string `json:"vary,omitempty"`
}

// EncodeResponseInfo serializes info for the metadata stream. Transient
// headers are dropped when skipTransient is set.
func EncodeResponseInfo(info *httpbase.ResponseInfo, skipTransient bool) ([]byte, error) {
	if info == nil || info.Headers == nil {
		return nil, fmt.Errorf("response info without headers")
	}
	p := persistedResponseInfo{
		Version:      responseInfoVersion,
		RequestTime:  info.RequestTime,
		ResponseTime: info.ResponseTime,
		Headers:      info.Headers.Persist(skipTransient),
		CertStatus:   uint32(info.SSLInfo.CertStatus),
		TLSVersion:   info.SSLInfo.Version,
		VaryData:     info.VaryData,
	}
	for _, cert := range info.SSLInfo.PeerChain {
		p.PeerChain = append(p.PeerChain, cert.Raw)
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeResponseInfo is the inverse of EncodeResponseInfo.
func DecodeResponseInfo(data []byte) (*httpbase.ResponseInfo, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress response info: %w", err)
	}
	var p persistedResponseInfo
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode response info: %w", err)
	}
	if p.Version != responseInfoVersion {
		return nil, fmt.Errorf("unsupported response info version %d", p.Version)
	}
	if p.Headers == "" {
		return nil, fmt.Errorf("response info without headers")
	}

	info := &httpbase.ResponseInfo{
		Headers:      httpwire.ParseResponseHeaders([]byte(p.Headers)),
		RequestTime:  p.RequestTime,
		ResponseTime: p.ResponseTime,
		VaryData:     p.VaryData,
		SSLInfo: httpbase.SSLInfo{
			CertStatus: httpbase.CertStatus(p.CertStatus),
			Version:    p.TLSVersion,
		},
	}
	for _, der := range p.PeerChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("decode peer certificate: %w", err)
		}
		info.SSLInfo.PeerChain = append(info.SSLInfo.PeerChain, cert)
	}
	return info, nil
}

// ReadResponseInfo loads the response metadata stored in entry.
func ReadResponseInfo(ctx context.Context, entry diskcache.Entry) (*httpbase.ResponseInfo, error) {
	size := entry.DataSize(diskcache.StreamInfo)
	if size <= 0 {
		return nil, fmt.Errorf("empty response info")
	}
	buf := make([]byte, size)
	var off int64
	for off < size {
		n, err := entry.ReadData(ctx, diskcache.StreamInfo, off, buf[off:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("short response info: %d of %d bytes", off, size)
		}
		off += int64(n)
	}
	return DecodeResponseInfo(buf)
}

// WriteResponseInfo replaces the response metadata stored in entry.
func WriteResponseInfo(ctx context.Context, entry diskcache.Entry, info *httpbase.ResponseInfo, skipTransient bool) error {
	data, err := EncodeResponseInfo(info, skipTransient)
	if err != nil {
		return err
	}
	n, err := entry.WriteData(ctx, diskcache.StreamInfo, 0, data, true)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short response info write: %d of %d bytes", n, len(data))
	}
	return nil
}
