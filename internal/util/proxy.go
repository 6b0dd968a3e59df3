// Package util provides utility functions for the edge inference node.
// It includes helpers for outbound proxy configuration, log level management,
// and other common operations used across the application.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the provided HTTP client with the given proxy URL.
// It supports SOCKS5, HTTP, and HTTPS proxies and modifies the client's
// transport to route requests through the proxy server. An empty or
// unparsable URL leaves the client untouched.
func SetProxy(proxyURLString string, httpClient *http.Client) *http.Client {
	if proxyURLString == "" {
		return httpClient
	}
	transport := ProxyTransport(proxyURLString)
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}

// ProxyTransport builds an http.Transport routing through the given proxy
// URL, or nil when the URL is empty or unsupported. The websocket dialer
// shares this transport's dial function for tunnel connections.
func ProxyTransport(proxyURLString string) *http.Transport {
	if proxyURLString == "" {
		return nil
	}
	proxyURL, errParse := url.Parse(proxyURLString)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return nil
	}

	if proxyURL.Scheme == "socks5" {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		proxyAuth := &proxy.Auth{User: username, Password: password}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return nil
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	}
	if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return nil
}
