// Package util provides shared helpers for the proxy: outbound HTTP client
// construction with optional proxy routing.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient builds the outbound client used for upstream and token
// traffic. proxyURL may be empty, an http(s):// URL, or a socks5:// URL
// with optional credentials.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client
	}
	return SetProxy(proxyURL, client)
}

// SetProxy routes the client's transport through the given proxy. SOCKS5,
// HTTP and HTTPS schemes are supported; anything else leaves the client
// untouched.
func SetProxy(proxyURL string, httpClient *http.Client) *http.Client {
	var transport *http.Transport
	parsed, errParse := url.Parse(proxyURL)
	if errParse == nil {
		if parsed.Scheme == "socks5" {
			username := parsed.User.Username()
			password, _ := parsed.User.Password()
			proxyAuth := &proxy.Auth{User: username, Password: password}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
				return httpClient
			}
			transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			}
		} else if parsed.Scheme == "http" || parsed.Scheme == "https" {
			transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		}
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
