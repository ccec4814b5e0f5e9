package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/config"
	"github.com/codefionn/schleuse/schleuse-srv/logger"
	"github.com/codefionn/schleuse/schleuse-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	tunnel      = flag.Bool("tunnel", false, "Fetch over HTTPS so every request uses a CONNECT tunnel")
	basicAuth   = flag.String("basic-auth", "", "Require proxy credentials given as user:pass")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, int64(*dataSize)+1))
	if err != nil {
		results <- result{n, fmt.Errorf("read body: %w", err)}
		return
	}
	if n != int64(*dataSize) {
		results <- result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
		return
	}
	results <- result{n, nil}
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	var target *httptest.Server
	if *tunnel {
		target = httptest.NewTLSServer(dataHandler(buf))
	} else {
		target = httptest.NewServer(dataHandler(buf))
	}
	defer target.Close()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{ListenAddress: proxyLn.Addr().String(), Enabled: true}}
	cfg.TimeoutSeconds = 5
	proxyURL := &url.URL{Scheme: "http", Host: proxyLn.Addr().String()}
	if *basicAuth != "" {
		auth, err := config.ParseBasicAuth(*basicAuth)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -basic-auth: %v\n", err)
			os.Exit(1)
		}
		cfg.Auth = auth
		proxyURL.User = url.UserPassword(auth.Username, auth.Password)
	}

	p, err := proxy.NewProxy(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create proxy: %v\n", err)
		os.Exit(1)
	}
	proxyCtx, stopProxy := context.WithCancel(context.Background())
	proxyDone := make(chan error, 1)
	go func() { proxyDone <- p.ServeListener(proxyCtx, proxyLn) }()

	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConnsPerHost: *concurrency,
		// #nosec G402 -- the target is a local test server
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := target.URL + "/data"

	jobs := make(chan struct{})
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < max(*concurrency, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendRequest(ctx, client, targetURL, results)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)
	dur := time.Since(start)

	success, failed, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}

	transport.CloseIdleConnections()
	stopProxy()
	if err := <-proxyDone; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "proxy: %v\n", err)
	}

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failed)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n",
		float64(success)/dur.Seconds(), float64(total)/dur.Seconds()/1024/1024)

	if failed > 0 || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "Test failed: timeout or errors (first error: %v)\n", firstErr)
		os.Exit(1)
	}
}
