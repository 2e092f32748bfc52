package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <folder-path>",
	Short: "Bulk enroll every image in a folder",
	Long: `Walk a folder recursively and register each image as its own person
through the /register-upload endpoint. Person ids are generated from a
prefix and a counter (kis-00001, kis-00002, ...) in path order.

Supported formats: jpg, jpeg, png, webp, bmp, tiff

Example:
  face-identity enroll ./photos --url http://localhost:8080 --api-key secret
  face-identity enroll ./photos --prefix staff --start 100 --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().String("url", "http://localhost:8080", "Base URL of the face identity API")
	enrollCmd.Flags().String("api-key", "", "API key (defaults to API_KEY)")
	enrollCmd.Flags().String("prefix", "kis", "Prefix for generated person ids")
	enrollCmd.Flags().Int("start", 1, "First counter value")
	enrollCmd.Flags().Int("limit", 10000, "Maximum number of images to enroll")
	enrollCmd.Flags().Int("workers", 4, "Concurrent uploads")
	enrollCmd.Flags().Bool("dry-run", false, "Print the id assignment without uploading")
}

// isImageFile checks if a file has an extension the server can decode
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}

// collectImages returns image paths under root in lexical order.
func collectImages(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isImageFile(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk folder %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func personIDFor(prefix string, n int) string {
	return fmt.Sprintf("%s-%05d", prefix, n)
}

// enrollClient posts images to /register-upload.
type enrollClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type enrollError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *enrollClient) enroll(ctx context.Context, personID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("person_id", personID); err != nil {
		return fmt.Errorf("writing person_id: %w", err)
	}
	part, err := w.CreateFormFile("images", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.baseURL, "/")+"/register-upload", &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e enrollError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", e.Error, e.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	root := args[0]
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot access folder %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	apiKey := mustGetString(cmd, "api-key")
	if apiKey == "" {
		apiKey = os.Getenv("API_KEY")
	}
	prefix := mustGetString(cmd, "prefix")
	start := mustGetInt(cmd, "start")
	limit := mustGetInt(cmd, "limit")
	workers := max(mustGetInt(cmd, "workers"), 1)

	paths, err := collectImages(root)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No image files found in the specified folder.")
		return nil
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	fmt.Printf("Found %d image(s) to enroll\n", len(paths))

	if mustGetBool(cmd, "dry-run") {
		for i, path := range paths {
			fmt.Printf("%s  %s\n", personIDFor(prefix, start+i), path)
		}
		return nil
	}

	client := &enrollClient{
		baseURL: mustGetString(cmd, "url"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var (
		failures []string
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	for i, path := range paths {
		personID := personIDFor(prefix, start+i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := client.enroll(ctx, personID, path); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s (%s): %v", filepath.Base(path), personID, err))
				mu.Unlock()
			}
			bar.Add(1)
		}()
	}
	wg.Wait()
	fmt.Println()

	sort.Strings(failures)
	for _, msg := range failures {
		fmt.Printf("Failed: %s\n", msg)
	}

	fmt.Printf("\nDone! Enrolled %d of %d image(s)\n", len(paths)-len(failures), len(paths))
	if len(failures) == len(paths) {
		return fmt.Errorf("no images were enrolled")
	}
	return nil
}
