package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/http"
	u "net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// ReadDownloadList parses a YAML batch file into download entries.
func ReadDownloadList(filePath string) ([]DownloadEntry, error) {
	log := GetLogger("config")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var entries []DownloadEntry
	err = yaml.Unmarshal(data, &entries)
	if err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("missing URL for entry %d", i+1)
		}
	}
	log.Debug().Int("count", len(entries)).Msg("Entries loaded from YAML")
	return entries, nil
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func CreateHTTPClient(timeout time.Duration, kaTimeout time.Duration, insecureTLS bool) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100, // for connection reuse across segments
		IdleConnTimeout:     kaTimeout,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ProbeResource issues a HEAD request and reports the content length, the
// server-suggested filename (Content-Disposition, sanitized) and whether byte
// ranges are accepted. A missing or unparseable Content-Length yields size 0.
func ProbeResource(ctx context.Context, url string, headers map[string]string, client *http.Client) (int64, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", url, nil)
	if err != nil {
		return 0, "", false, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, "", false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	filename := ""
	if contentDisposition := resp.Header.Get("Content-Disposition"); contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				filename = filenameSanitizer.ReplaceAllString(fn, "_")
			} else if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
				unescaped, _ := u.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
				filename = filenameSanitizer.ReplaceAllString(unescaped, "_")
			}
		}
	}
	rangeSupport := resp.Header.Get("Accept-Ranges") == "bytes"
	size := int64(0)
	if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
		if parsed, err := strconv.ParseInt(contentLength, 10, 64); err == nil && parsed > 0 {
			size = parsed
		}
	}
	return size, filename, rangeSupport, nil
}

// FilenameFromURL is the fallback when neither the resolver nor the server
// provide a name.
func FilenameFromURL(rawURL string) string {
	parsed, err := u.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return "download"
	}
	parts := strings.Split(strings.TrimRight(parsed.Path, "/"), "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "download"
	}
	if unescaped, err := u.PathUnescape(name); err == nil {
		name = unescaped
	}
	return filenameSanitizer.ReplaceAllString(name, "_")
}

// ParseHeaderArgs converts "Key: Value" strings from the CLI into a map.
func ParseHeaderArgs(args []string) map[string]string {
	headers := make(map[string]string)
	for _, arg := range args {
		key, value, found := strings.Cut(arg, ":")
		if !found {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}
