package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"

	"failuretable/internal/debuglog"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 8 * time.Second
	streamRWTimeout      = 60 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("failuretable-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"ft-quic"},
	}, nil
}

// clientTLSConfig builds the client-side TLS config for dialing a peer.
// When devTLS is set, the dev CA is trusted instead of the system roots:
// an explicit devTLSCAPath (or the WEB4_DEVTLS_CA_PATH env override, which
// takes priority so operators can swap it without recompiling) is read as
// a PEM cert; if that is absent or unreadable, the well-known dev cert
// generated by devTLSCert is trusted instead.
func clientTLSConfig(insecure bool, devTLS bool, devTLSCAPath string) (*tls.Config, error) {
	if !devTLS {
		return &tls.Config{InsecureSkipVerify: insecure, NextProtos: []string{"ft-quic"}}, nil
	}
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"ft-quic"}}, nil
	}
	der, err := resolveDevTLSCADER(devTLSCAPath)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{"ft-quic"},
	}, nil
}

func resolveDevTLSCADER(explicitPath string) ([]byte, error) {
	path := explicitPath
	if envPath := os.Getenv("WEB4_DEVTLS_CA_PATH"); envPath != "" {
		path = envPath
	}
	if path != "" {
		if pemBytes, err := os.ReadFile(path); err == nil {
			if block, _ := pem.Decode(pemBytes); block != nil {
				return block.Bytes, nil
			}
		}
	}
	_, der, err := devTLSCert()
	return der, err
}

func ListenAndServe(addr string, handle func(remoteAddr string, data []byte)) error {
	return ListenAndServeWithReady(addr, nil, handle)
}

func ListenAndServeWithReady(addr string, ready chan<- struct{}, handle func(remoteAddr string, data []byte)) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		logInfo("quic listen error: %v", err)
		return err
	}
	logInfo("quic listen ready: %s", addr)
	if ready != nil {
		close(ready)
	}
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			logInfo("quic accept error: %v", err)
			return err
		}
		logInfo("accepted connection")
		go func() {
			c := conn
			remoteAddr := c.RemoteAddr().String()
			for {
				stream, err := c.AcceptStream(context.Background())
				if err != nil {
					logInfo("quic accept stream error: %v", err)
					return
				}
				logInfo("accepted stream")
				go func(s *quic.Stream) {
					defer s.Close()
					logInfo("read start")
					data, err := io.ReadAll(s)
					if err != nil {
						if errors.Is(err, io.EOF) {
							logInfo("quic read error: EOF")
						} else {
							logInfo("quic read error: %v", err)
						}
					}
					logInfo("read %d bytes", len(data))
					if len(data) == 0 {
						return
					}
					msgType := "unknown"
					var hdr struct {
						Type string `json:"type"`
					}
					if err := json.Unmarshal(data, &hdr); err == nil && hdr.Type != "" {
						msgType = hdr.Type
					}
					logInfo("read %d bytes, type=%s, calling recv", len(data), msgType)
					handle(remoteAddr, data)
				}(stream)
			}
		}()
	}
}

func Send(addr string, data []byte, insecure bool) error {
	tlsConf, err := clientTLSConfig(insecure, false, "")
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(context.Background(), addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}

	n, err := stream.Write(data)
	if err != nil {
		return err
	}
	logInfo("wrote %d bytes", n)

	if err := stream.Close(); err != nil {
		logInfo("quic stream close error: %v", err)
		return err
	}

	time.Sleep(100 * time.Millisecond)
	return nil
}

func logInfo(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func debugLog(format string, args ...any) {
	debuglog.Debugf(format, args...)
}

func streamIDString(stream *quic.Stream) string {
	if stream == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", stream.StreamID())
}

func previewBytes(data []byte, n int) string {
	if len(data) <= n {
		return fmt.Sprintf("%x", data)
	}
	return fmt.Sprintf("%x...", data[:n])
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
