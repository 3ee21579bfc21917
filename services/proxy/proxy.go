package proxy

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ProxyManager hands out proxy endpoints for browser sessions
type ProxyManager interface {
	Reload() error
	Random() *Proxy
	Len() int
}

// Proxy is one authenticated HTTP proxy endpoint
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Addr returns host:port
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ServerFlag returns the value for Chrome's --proxy-server flag
func (p *Proxy) ServerFlag() string {
	return "http://" + p.Addr()
}

// HasAuth reports whether the proxy needs credentials
func (p *Proxy) HasAuth() bool {
	return p.Username != ""
}

func (p *Proxy) String() string {
	return p.Addr()
}

// FilePool loads proxies from a host:port[:user:pass] list
type FilePool struct {
	path    string
	proxies []Proxy
	mutex   sync.RWMutex
}

var _ ProxyManager = (*FilePool)(nil)

// NewFilePool creates a pool and loads it; a missing file yields an empty pool
func NewFilePool(path string) (*FilePool, error) {
	pool := &FilePool{path: path}
	if err := pool.Reload(); err != nil {
		return nil, err
	}
	return pool, nil
}

// Reload re-reads the proxy file
func (pm *FilePool) Reload() error {
	if pm.path == "" {
		return nil
	}

	f, err := os.Open(pm.path)
	if os.IsNotExist(err) {
		log.Warn().Str("file", pm.path).Msg("Proxy file not found, sessions will connect directly")
		pm.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	proxies, err := Parse(f)
	if err != nil {
		return err
	}
	pm.set(proxies)

	log.Info().Int("count", len(proxies)).Str("file", pm.path).Msg("Loaded proxies")
	return nil
}

func (pm *FilePool) set(proxies []Proxy) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.proxies = proxies
}

// Random returns a random proxy, or nil when the pool is empty
func (pm *FilePool) Random() *Proxy {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	if len(pm.proxies) == 0 {
		return nil
	}
	p := pm.proxies[rand.IntN(len(pm.proxies))]
	return &p
}

// Len returns the number of loaded proxies
func (pm *FilePool) Len() int {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return len(pm.proxies)
}

// Parse reads host:port[:username:password] lines, skipping blanks, comments and malformed lines
func Parse(r io.Reader) ([]Proxy, error) {
	var proxies []Proxy

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, err := parseLine(line)
		if err != nil {
			log.Debug().Int("line", lineNo).Err(err).Msg("Skipping proxy line")
			continue
		}
		proxies = append(proxies, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxies: %w", err)
	}
	return proxies, nil
}

func parseLine(line string) (Proxy, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Proxy{}, fmt.Errorf("expected host:port or host:port:user:pass, got %d fields", len(parts))
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid port %q", parts[1])
	}

	p := Proxy{Host: parts[0], Port: port}
	if len(parts) == 4 {
		p.Username = parts[2]
		p.Password = parts[3]
	}
	return p, nil
}
