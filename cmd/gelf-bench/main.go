// gelf-bench sends synthetic GELF messages to a running logpipe over UDP,
// TCP or HTTP and reports the achieved rate.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zlib"
	"github.com/valyala/fasthttp"

	"logpipe/pkg/chunk"
)

func main() {
	transport := flag.String("transport", "udp", "udp, tcp or http")
	addr := flag.String("addr", "127.0.0.1:12201", "target address (host:port, or URL for http)")
	n := flag.Int("n", 10000, "messages to send")
	size := flag.Int("size", 200, "approximate short_message length")
	compress := flag.Bool("zlib", false, "zlib-compress payloads (udp and http)")
	chunkSize := flag.Int("chunk", 1420, "udp chunk size; larger payloads are chunked")
	flag.Parse()

	var (
		send func([]byte) error
		err  error
	)
	switch *transport {
	case "udp":
		send, err = udpSender(*addr, *chunkSize)
	case "tcp":
		send, err = tcpSender(*addr)
	case "http":
		send = httpSender(*addr)
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	host, _ := os.Hostname()
	filler := strings.Repeat("x", *size)
	var sent, failed, bytesOut int
	start := time.Now()
	for i := 0; i < *n; i++ {
		payload, _ := json.Marshal(map[string]any{
			"version":       "1.1",
			"host":          host,
			"short_message": fmt.Sprintf("bench %d %s", i, filler),
			"timestamp":     float64(time.Now().UnixNano()) / 1e9,
			"level":         6,
			"_seq":          i,
		})
		if *compress && *transport != "tcp" {
			payload = deflate(payload)
		}
		if err := send(payload); err != nil {
			failed++
			continue
		}
		sent++
		bytesOut += len(payload)
	}
	elapsed := time.Since(start)
	fmt.Printf("sent %d (%d failed) in %s: %.0f msg/s, %s/s\n", sent, failed, elapsed.Round(time.Millisecond),
		float64(sent)/elapsed.Seconds(), humanize.IBytes(uint64(float64(bytesOut)/elapsed.Seconds())))
}

func deflate(b []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(b)
	_ = w.Close()
	return buf.Bytes()
}

func udpSender(addr string, chunkSize int) (func([]byte) error, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return func(p []byte) error {
		if len(p) <= chunkSize {
			_, err := conn.Write(p)
			return err
		}
		var id [8]byte
		_, _ = rand.Read(id[:])
		for _, c := range chunk.Split(id, p, chunkSize) {
			if _, err := conn.Write(c); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func tcpSender(addr string) (func([]byte) error, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return func(p []byte) error {
		_, err := conn.Write(append(p, 0))
		return err
	}, nil
}

func httpSender(addr string) func([]byte) error {
	url := addr
	if !strings.HasPrefix(url, "http") {
		url = "http://" + addr + "/gelf"
	}
	client := &fasthttp.Client{Name: "gelf-bench", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	return func(p []byte) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI(url)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.SetBody(p)
		if err := client.Do(req, resp); err != nil {
			return err
		}
		if resp.StatusCode() != fasthttp.StatusAccepted {
			return fmt.Errorf("status %d", resp.StatusCode())
		}
		return nil
	}
}
