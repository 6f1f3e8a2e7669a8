package archive

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/mpc-relay/interfaces"
)

// BackendFor creates an archive backend from a location URI of the form
// [scheme]://[auth@]host[:port][/path][?params].
//
// Supported schemes:
//   - file:///var/lib/mpc-relay/archive or file://./relative/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=http://minio:9000
//   - ipfs://127.0.0.1:5001/mpc-relay?timeout=30s
//   - vault://vault.example.com:8200/secret/mpc-relay?cert=client.pem&key=client-key.pem
func BackendFor(locationURI string, log *slog.Logger) (interfaces.ArchiveBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return createFileBackend(u, log)
	case "s3":
		return createS3Backend(u, log)
	case "ipfs":
		return createIPFSBackend(u, log)
	case "vault":
		return createVaultBackend(u, log)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// NewBackend creates a MultiBackend over every location. Any location that
// fails to parse is an error.
func NewBackend(locationURIs []string, log *slog.Logger) (*MultiBackend, error) {
	if len(locationURIs) == 0 {
		return nil, fmt.Errorf("%w: no archive locations", interfaces.ErrInvalidLocationURI)
	}
	backends := make([]interfaces.ArchiveBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := BackendFor(uri, log)
		if err != nil {
			return nil, fmt.Errorf("archive location %s: %w", redact(uri), err)
		}
		log.Info("Archive backend configured", "backend", backend.Name(), "location", backend.LocationURI())
		backends = append(backends, backend)
	}
	return NewMultiBackend(backends, log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func createFileBackend(u *url.URL, log *slog.Logger) (interfaces.ArchiveBackend, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(path, log)
}

func createS3Backend(u *url.URL, log *slog.Logger) (interfaces.ArchiveBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 URI", interfaces.ErrInvalidLocationURI)
	}
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}
	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, log)
}

func createIPFSBackend(u *url.URL, log *slog.Logger) (interfaces.ArchiveBackend, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in ipfs URI", interfaces.ErrInvalidLocationURI)
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if t := u.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = d
	}
	return NewIPFSBackend(host, port, u.Path, timeout, log)
}

// createVaultBackend handles vault://host:port/mount/path. The connection
// uses https unless tls=false is given; cert and key name PEM files for
// TLS client authentication.
func createVaultBackend(u *url.URL, log *slog.Logger) (interfaces.ArchiveBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in vault URI", interfaces.ErrInvalidLocationURI)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: missing mount path in vault URI", interfaces.ErrInvalidLocationURI)
	}
	mount, dataPath := parts[0], ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	var cert *tls.Certificate
	if certFile, keyFile := query.Get("cert"), query.Get("key"); certFile != "" || keyFile != "" {
		c, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading Vault client certificate: %w", err)
		}
		cert = &c
	}

	return NewVaultBackend(scheme+"://"+u.Host, mount, dataPath, cert, log)
}

func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
