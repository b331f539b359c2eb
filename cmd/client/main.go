// Command client uploads a directory of class folders to a running backend, starts a run on it and
// waits for the score.
package main

import (
	"classifier-backend/pkg/api"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v2"
)

type Client struct {
	client *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{client: resty.New().SetBaseURL(baseURL)}
}

func checkResponse(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("%s %s returned %d: %s", res.Request.Method, res.Request.URL, res.StatusCode(), res.String())
	}
	return nil
}

// Upload sends every file under dir/<class>/ with the class as its form field.
func (c *Client) Upload(ctx context.Context, dir string) (api.UploadResponse, error) {
	classes, err := os.ReadDir(dir)
	if err != nil {
		return api.UploadResponse{}, err
	}

	req := c.client.R().SetContext(ctx)
	files := 0
	for _, class := range classes {
		if !class.IsDir() {
			continue
		}
		images, err := os.ReadDir(filepath.Join(dir, class.Name()))
		if err != nil {
			return api.UploadResponse{}, err
		}
		for _, image := range images {
			if image.IsDir() {
				continue
			}
			f, err := os.Open(filepath.Join(dir, class.Name(), image.Name()))
			if err != nil {
				return api.UploadResponse{}, err
			}
			defer f.Close()
			req.SetFileReader(class.Name(), image.Name(), f)
			files++
		}
	}
	if files == 0 {
		return api.UploadResponse{}, fmt.Errorf("no images found under %s", dir)
	}

	var out api.UploadResponse
	if err := checkResponse(req.SetResult(&out).Post("/uploads")); err != nil {
		return api.UploadResponse{}, fmt.Errorf("upload failed: %w", err)
	}
	return out, nil
}

func (c *Client) CreateRun(ctx context.Context, run api.CreateRunRequest) (api.CreateRunResponse, error) {
	var out api.CreateRunResponse
	err := checkResponse(c.client.R().SetContext(ctx).SetBody(run).SetResult(&out).Post("/runs"))
	return out, err
}

func (c *Client) GetRun(ctx context.Context, runId string) (api.Run, error) {
	var out api.Run
	err := checkResponse(c.client.R().SetContext(ctx).SetResult(&out).Get("/runs/" + runId))
	return out, err
}

func (c *Client) WaitForRun(ctx context.Context, runId string, interval time.Duration) (api.Run, error) {
	bar := progressbar.Default(-1, "waiting for run")
	defer bar.Finish() //nolint:errcheck

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runId)
		if err != nil {
			return api.Run{}, err
		}
		bar.Describe(fmt.Sprintf("run %s: %s", run.Status, run.Stage))
		if run.Status == "COMPLETED" || run.Status == "FAILED" {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return api.Run{}, ctx.Err()
		case <-ticker.C:
			bar.Add(1) //nolint:errcheck
		}
	}
}

func loadParams(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return params, nil
}

func main() {
	url := flag.String("url", "http://localhost:3001/api/v1", "backend base url")
	data := flag.String("data", "", "directory of <class>/<image> training data")
	name := flag.String("name", "run", "run name")
	paramsPath := flag.String("params", "", "optional params.yaml overriding the default hyperparameters")
	poll := flag.Duration("poll", 5*time.Second, "status poll interval")
	flag.Parse()

	if *data == "" {
		log.Fatalf("-data is required")
	}

	params, err := loadParams(*paramsPath)
	if err != nil {
		log.Fatalf("error loading params: %v", err)
	}

	ctx := context.Background()
	client := NewClient(*url)

	upload, err := client.Upload(ctx, *data)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("uploaded training data: %s", upload.Id)

	created, err := client.CreateRun(ctx, api.CreateRunRequest{Name: *name, TrainingData: upload.Id.String(), Params: params})
	if err != nil {
		log.Fatalf("error creating run: %v", err)
	}
	log.Printf("created run: %s", created.RunId)

	run, err := client.WaitForRun(ctx, created.RunId.String(), *poll)
	if err != nil {
		log.Fatalf("error waiting for run: %v", err)
	}

	if run.Status == "FAILED" {
		for _, e := range run.Errors {
			log.Printf("stage %s failed: %s", e.Stage, e.Error)
		}
		os.Exit(1)
	}
	fmt.Printf("loss: %.4f accuracy: %.4f\n", run.Score.Loss, run.Score.Accuracy)
}
