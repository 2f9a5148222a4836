package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quarry-dl/quarry/utils"
)

const simpleBufferSize = 256 * 1024

// streamDownload performs a plain GET for resources without a known size,
// resuming an earlier attempt via a single open-ended Range when a .part
// artifact already exists. The final name appears only after a full stream.
func streamDownload(ctx context.Context, desc utils.ResourceDescriptor, finalPath string, client *http.Client, onProgress func(downloaded, total int64), throttle time.Duration) (string, error) {
	log := utils.GetLogger("simple-download")
	tempPath := fmt.Sprintf("%s.part", finalPath)
	if throttle <= 0 {
		throttle = time.Second
	}

	var resumeOffset int64
	fileMode := os.O_CREATE | os.O_WRONLY
	if info, err := os.Stat(tempPath); err == nil {
		resumeOffset = info.Size()
		fileMode |= os.O_APPEND
		log.Debug().Str("file", filepath.Base(tempPath)).Int64("size", resumeOffset).Msg("Resuming incomplete download")
	} else {
		fileMode |= os.O_TRUNC
	}
	outFile, err := os.OpenFile(tempPath, fileMode, 0644)
	if err != nil {
		return "", fmt.Errorf("error creating output file: %v", err)
	}
	defer outFile.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", desc.URL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating GET request: %v", err)
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", utils.ToolUserAgent)
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}
	log.Debug().Str("url", desc.URL).Msg("Starting simple download")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()

	if resumeOffset > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			log.Warn().Int("statusCode", resp.StatusCode).Msg("Server doesn't support resume, starting from beginning")
			outFile.Close()
			outFile, err = os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return "", fmt.Errorf("error creating output file: %v", err)
			}
			defer outFile.Close()
			resumeOffset = 0
		}
	} else if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	buffer := make([]byte, simpleBufferSize)
	totalDownloaded := resumeOffset
	lastTick := time.Now()
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := outFile.Write(buffer[:bytesRead]); writeErr != nil {
				return "", fmt.Errorf("error writing to output file: %v", writeErr)
			}
			totalDownloaded += int64(bytesRead)
			if onProgress != nil {
				if now := time.Now(); now.Sub(lastTick) >= throttle {
					onProgress(totalDownloaded, desc.Size)
					lastTick = now
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return "", fmt.Errorf("error reading response body: %v", readErr)
		}
	}
	if desc.Size > 0 && totalDownloaded != desc.Size {
		return "", fmt.Errorf("incomplete download: got %d of %d bytes", totalDownloaded, desc.Size)
	}
	if onProgress != nil {
		onProgress(totalDownloaded, desc.Size)
	}
	log.Debug().Int64("totalDownloaded", totalDownloaded).Msg("Simple download completed")
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("error finalizing output file: %v", err)
	}
	return finalPath, nil
}
