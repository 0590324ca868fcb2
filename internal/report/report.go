// Package report publishes a run's findings and coverage to the external
// analysis and coverage services.
package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mpataki/cirun/internal/ctxlog"
	"github.com/mpataki/cirun/internal/errs"
	"github.com/mpataki/cirun/internal/models"
	"github.com/mpataki/cirun/internal/secrets"
)

const (
	TargetAnalysis = "analysis"
	TargetCoverage = "coverage"
)

// Reporter is constructed with the only credential store it may read.
type Reporter struct {
	client  *http.Client
	secrets secrets.Store
}

func New(store secrets.Store, client *http.Client) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Reporter{client: client, secrets: store}
}

// Result carries reporting failures that did not fail the run.
type Result struct {
	Warnings []error
	Uploaded []string
}

// Preflight checks every credential the report block needs. A missing one
// is a ConfigurationError and nothing is sent.
func (r *Reporter) Preflight(rep *models.Report) error {
	if rep == nil {
		return nil
	}
	var names []string
	if a := rep.Analysis; a != nil {
		names = append(names, a.PlatformToken, a.AnalysisToken)
	}
	if c := rep.Coverage; c != nil {
		names = append(names, c.Token)
	}
	for _, n := range names {
		if _, ok := r.secrets.Lookup(n); !ok {
			return &errs.MissingCredentialError{Name: n}
		}
	}
	return nil
}

// Publish sends the findings file and the coverage report, both resolved
// against root. Missing or malformed artifacts and missing credentials
// are fatal. A transport failure is fatal only for a coverage upload
// with fail_ci_if_error; otherwise it is returned as a warning.
func (r *Reporter) Publish(ctx context.Context, rep *models.Report, root, revision string) (Result, error) {
	var res Result
	if rep == nil {
		return res, nil
	}
	if err := r.Preflight(rep); err != nil {
		return res, err
	}

	var fatal []error
	if a := rep.Analysis; a != nil {
		if err := r.publishAnalysis(ctx, a, root, revision); err != nil {
			if errs.IsFatal(err) {
				fatal = append(fatal, err)
			} else {
				res.Warnings = append(res.Warnings, err)
			}
		} else {
			res.Uploaded = append(res.Uploaded, TargetAnalysis)
		}
	}
	if c := rep.Coverage; c != nil {
		if err := r.publishCoverage(ctx, c, root, revision); err != nil {
			if errs.IsFatal(err) {
				fatal = append(fatal, err)
			} else {
				res.Warnings = append(res.Warnings, err)
			}
		} else {
			res.Uploaded = append(res.Uploaded, TargetCoverage)
		}
	}

	for _, w := range res.Warnings {
		ctxlog.FromContext(ctx).WithError(w).Warn("upload failed, continuing")
	}
	if len(fatal) > 0 {
		return res, fatal[0]
	}
	return res, nil
}

func (r *Reporter) publishAnalysis(ctx context.Context, a *models.AnalysisUpload, root, revision string) error {
	data, err := readArtifact(root, a.Findings)
	if err == nil {
		err = ValidateSARIF(data)
	}
	if err != nil {
		return &errs.ReportingError{Target: TargetAnalysis, Fatal: true, Err: err}
	}

	platform, _ := r.secrets.Lookup(a.PlatformToken)
	token, _ := r.secrets.Lookup(a.AnalysisToken)

	q := url.Values{}
	q.Set("revision", revision)
	if a.ProjectKey != "" {
		q.Set("projectKey", a.ProjectKey)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/sarif+json")
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("X-Platform-Token", platform)

	if err := r.upload(ctx, TargetAnalysis, a.Endpoint, q, headers, data, platform, token); err != nil {
		return &errs.ReportingError{Target: TargetAnalysis, Err: err}
	}
	return nil
}

func (r *Reporter) publishCoverage(ctx context.Context, c *models.CoverageUpload, root, revision string) error {
	data, err := readArtifact(root, c.File)
	if err == nil {
		err = ValidateLCOV(data)
	}
	if err != nil {
		return &errs.ReportingError{Target: TargetCoverage, Fatal: true, Err: err}
	}

	token, _ := r.secrets.Lookup(c.Token)

	q := url.Values{}
	q.Set("commit", revision)

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set("Authorization", "token "+token)

	if err := r.upload(ctx, TargetCoverage, c.Endpoint, q, headers, data, token); err != nil {
		return &errs.ReportingError{Target: TargetCoverage, Fatal: c.FailCIIfError, Err: err}
	}
	return nil
}

func (r *Reporter) upload(ctx context.Context, target, endpoint string, q url.Values, headers http.Header, body []byte, masks ...string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	merged := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = headers
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	log := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"target":     target,
		"request_id": requestID,
		"host":       u.Host,
	})
	log.Infof("uploading %s", humanize.Bytes(uint64(len(body))))

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.New(secrets.Redact(err.Error(), masks))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status,
			secrets.Redact(strings.TrimSpace(string(snippet)), masks))
	}
	io.Copy(io.Discard, resp.Body)
	log.Info("upload accepted")
	return nil
}

func readArtifact(root, path string) ([]byte, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s not found", path)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("artifact %s is empty", path)
	}
	return data, nil
}

// ValidateSARIF checks the minimal shape of a SARIF log.
func ValidateSARIF(data []byte) error {
	var doc struct {
		Version string            `json:"version"`
		Runs    []json.RawMessage `json:"runs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed SARIF: %w", err)
	}
	if doc.Version == "" {
		return errors.New("malformed SARIF: missing version")
	}
	if doc.Runs == nil {
		return errors.New("malformed SARIF: missing runs")
	}
	return nil
}

// ValidateLCOV checks that data holds at least one complete source
// file record.
func ValidateLCOV(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inRecord := false
	records := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "SF:"):
			inRecord = true
		case line == "end_of_record":
			if !inRecord {
				return errors.New("malformed LCOV: end_of_record without SF")
			}
			inRecord = false
			records++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("malformed LCOV: %w", err)
	}
	if inRecord {
		return errors.New("malformed LCOV: unterminated record")
	}
	if records == 0 {
		return errors.New("malformed LCOV: no source file records")
	}
	return nil
}
