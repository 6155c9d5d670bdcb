package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// KEVURL is the CISA Known Exploited Vulnerabilities catalog.
const KEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

// NVDDetailURL is the public page for one CVE.
const NVDDetailURL = "https://nvd.nist.gov/vuln/detail/"

// KEVConfig configures the KEV fetcher.
type KEVConfig struct {
	Name      string
	URL       string
	SinceDays int // only entries added within this many days; 0 keeps all
}

type kevCatalog struct {
	CatalogVersion  string     `json:"catalogVersion"`
	Vulnerabilities []kevEntry `json:"vulnerabilities"`
}

type kevEntry struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	DueDate                    string `json:"dueDate"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}

// KEV fetches recently added entries of the CISA KEV catalog.
type KEV struct {
	base
	cfg KEVConfig
}

// NewKEV creates a KEV fetcher. Empty name and URL fall back to defaults.
func NewKEV(cfg KEVConfig, opts ...Option) *KEV {
	if cfg.Name == "" {
		cfg.Name = "CISA KEV"
	}
	if cfg.URL == "" {
		cfg.URL = KEVURL
	}
	return &KEV{base: newBase(cfg.Name, opts), cfg: cfg}
}

// Fetch downloads the catalog and returns entries added inside the window.
func (k *KEV) Fetch(ctx context.Context) ([]alert.Item, error) {
	body, err := k.get(ctx, k.cfg.URL, nil)
	if err != nil {
		return nil, k.fail(err)
	}

	var catalog kevCatalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, k.fail(fmt.Errorf("decoding catalog: %w", err))
	}

	now := k.now()
	var cutoff time.Time
	if k.cfg.SinceDays > 0 {
		cutoff = now.AddDate(0, 0, -k.cfg.SinceDays)
	}

	var items []alert.Item
	for _, v := range catalog.Vulnerabilities {
		cve := strings.TrimSpace(v.CVEID)
		if cve == "" {
			continue
		}

		added, err := dateparse.ParseIn(v.DateAdded, time.UTC)
		if err != nil {
			added = time.Time{}
		}
		if !cutoff.IsZero() && !added.IsZero() && added.Before(cutoff) {
			continue
		}

		item, err := alert.New(alert.Fields{
			Source:      k.name,
			Category:    alert.CategoryKEV,
			Title:       kevTitle(v),
			Summary:     kevSummary(v),
			Link:        NVDDetailURL + cve,
			PublishedAt: added,
		}, now)
		if err != nil {
			return nil, k.fail(err)
		}
		items = append(items, item)
	}

	return items, nil
}

func kevTitle(v kevEntry) string {
	name := strings.TrimSpace(v.VulnerabilityName)
	if name == "" {
		name = strings.TrimSpace(v.VendorProject + " " + v.Product)
	}
	return v.CVEID + ": " + name
}

func kevSummary(v kevEntry) string {
	var sb strings.Builder
	if vp := strings.TrimSpace(v.VendorProject + " " + v.Product); vp != "" {
		sb.WriteString(vp)
		sb.WriteString(". ")
	}
	sb.WriteString(strings.TrimSpace(v.ShortDescription))
	if strings.EqualFold(v.KnownRansomwareCampaignUse, "Known") {
		sb.WriteString(" Known ransomware campaign use.")
	}
	if v.RequiredAction != "" {
		sb.WriteString(" Required action: ")
		sb.WriteString(strings.TrimSpace(v.RequiredAction))
	}
	if v.DueDate != "" {
		sb.WriteString(" Due ")
		sb.WriteString(v.DueDate)
		sb.WriteString(".")
	}
	return sb.String()
}
