package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// NVDURL is the NVD CVE API 2.0 endpoint.
const NVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

const nvdTimeLayout = "2006-01-02T15:04:05.000"

// NVDConfig configures the NVD fetcher.
type NVDConfig struct {
	Name           string
	URL            string
	APIKey         string
	LookbackHours  int
	ResultsPerPage int
}

type nvdResponse struct {
	TotalResults    int        `json:"totalResults"`
	Vulnerabilities []nvdEntry `json:"vulnerabilities"`
}

type nvdEntry struct {
	CVE nvdCVE `json:"cve"`
}

type nvdCVE struct {
	ID           string     `json:"id"`
	Published    string     `json:"published"`
	VulnStatus   string     `json:"vulnStatus"`
	Descriptions []nvdText  `json:"descriptions"`
	Metrics      nvdMetrics `json:"metrics"`
}

type nvdText struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetrics struct {
	V31 []nvdMetric `json:"cvssMetricV31"`
	V30 []nvdMetric `json:"cvssMetricV30"`
	V2  []nvdMetric `json:"cvssMetricV2"`
}

type nvdMetric struct {
	Type     string `json:"type"`
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
	BaseSeverity string `json:"baseSeverity"`
}

// NVD fetches CVEs published inside a lookback window.
type NVD struct {
	base
	cfg NVDConfig
}

// NewNVD creates an NVD fetcher with defaults for empty fields.
func NewNVD(cfg NVDConfig, opts ...Option) *NVD {
	if cfg.Name == "" {
		cfg.Name = "NVD"
	}
	if cfg.URL == "" {
		cfg.URL = NVDURL
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 24
	}
	if cfg.ResultsPerPage <= 0 {
		cfg.ResultsPerPage = 200
	}
	return &NVD{base: newBase(cfg.Name, opts), cfg: cfg}
}

// Fetch queries one page of recently published CVEs.
func (n *NVD) Fetch(ctx context.Context) ([]alert.Item, error) {
	now := n.now().UTC()
	start := now.Add(-time.Duration(n.cfg.LookbackHours) * time.Hour)

	q := url.Values{}
	q.Set("pubStartDate", start.Format(nvdTimeLayout))
	q.Set("pubEndDate", now.Format(nvdTimeLayout))
	q.Set("resultsPerPage", strconv.Itoa(n.cfg.ResultsPerPage))
	q.Set("startIndex", "0")

	var header http.Header
	if n.cfg.APIKey != "" {
		header = http.Header{"apiKey": []string{n.cfg.APIKey}}
	}

	body, err := n.get(ctx, n.cfg.URL+"?"+q.Encode(), header)
	if err != nil {
		return nil, n.fail(err)
	}

	var resp nvdResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, n.fail(fmt.Errorf("decoding response: %w", err))
	}

	items := make([]alert.Item, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		cve := v.CVE
		if cve.ID == "" || strings.EqualFold(cve.VulnStatus, "Rejected") {
			continue
		}

		published, err := dateparse.ParseIn(cve.Published, time.UTC)
		if err != nil {
			published = time.Time{}
		}

		desc := englishDescription(cve.Descriptions)
		score, label, ok := bestScore(cve.Metrics)

		title := cve.ID
		var severity *float64
		if ok {
			severity = alert.Float(score)
			title = strings.TrimSpace(fmt.Sprintf("%s (CVSS %.1f %s", cve.ID, score, label)) + ")"
		}
		if desc != "" {
			title += ": " + truncate(desc, 100)
		}

		item, err := alert.New(alert.Fields{
			Source:      n.name,
			Category:    alert.CategoryCVE,
			Title:       strings.TrimSpace(title),
			Summary:     desc,
			Link:        NVDDetailURL + cve.ID,
			PublishedAt: published,
			Severity:    severity,
		}, now)
		if err != nil {
			return nil, n.fail(err)
		}
		items = append(items, item)
	}

	return items, nil
}

func englishDescription(texts []nvdText) string {
	for _, t := range texts {
		if t.Lang == "en" {
			return strings.TrimSpace(t.Value)
		}
	}
	if len(texts) > 0 {
		return strings.TrimSpace(texts[0].Value)
	}
	return ""
}

// bestScore picks the base score of the newest CVSS version present,
// preferring the primary scorer within a version.
func bestScore(m nvdMetrics) (float64, string, bool) {
	for _, metrics := range [][]nvdMetric{m.V31, m.V30, m.V2} {
		if len(metrics) == 0 {
			continue
		}
		pick := metrics[0]
		for _, metric := range metrics {
			if metric.Type == "Primary" {
				pick = metric
				break
			}
		}
		label := pick.CVSSData.BaseSeverity
		if label == "" {
			label = pick.BaseSeverity
		}
		return pick.CVSSData.BaseScore, strings.ToUpper(label), true
	}
	return 0, "", false
}
