// Package lims is the extraction client for the LIMS web portal. It logs
// in to the portal's PHP frontend, searches encounters by date range, and
// fetches the per-encounter test details, producing the raw test events
// the transform engine consumes.
package lims

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/zyntel/zyntel/internal/domain/tat"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// rdmPattern extracts the hidden anti-replay token from the login page.
var rdmPattern = regexp.MustCompile(`(?i)<input\s+name=["']rdm["']\s+type=["']hidden["']\s+value=["']([^"']+)["']\s*/?>`)

// Client is a session-holding client for one LIMS portal instance.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   zerolog.Logger
}

// New builds a client with a fresh cookie session. Credentials are
// required; the portal has no anonymous access.
func New(baseURL, username, password string, logger zerolog.Logger) (*Client, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("lims credentials are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Jar: jar, Timeout: 5 * time.Minute},
		logger:   logger,
	}, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Login performs the portal's form login: fetch the login page, pull the
// hidden rdm token, post credentials, and confirm the redirect landed on
// the home page.
func (c *Client) Login(ctx context.Context) error {
	loginPage, err := c.get(ctx, c.baseURL+"/index.php?m=")
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}

	m := rdmPattern.FindStringSubmatch(loginPage)
	if m == nil {
		return fmt.Errorf("rdm token not found on login page")
	}

	form := url.Values{
		"username": {c.username},
		"password": {c.password},
		"action":   {"auth"},
		"rdm":      {m[1]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth.php", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+"/index.php?m=")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post login: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !strings.HasSuffix(resp.Request.URL.Path, "home.php") {
		return fmt.Errorf("login rejected: landed on %s", resp.Request.URL.Path)
	}
	c.logger.Info().Msg("lims login successful")
	return nil
}

// encounter is one patient row from the search results.
type encounter struct {
	EncounterDate string
	LabNo         string
	InvoiceNo     string
	PNo           string
	Patient       string
	Tel           string
	Src           string
}

// FetchEvents searches encounters in [from, to] and expands each unique
// lab number into its per-test events. A malformed row is logged and
// skipped; a failed detail fetch drops only that encounter's tests.
func (c *Client) FetchEvents(ctx context.Context, from, to time.Time) ([]tat.RawTestEvent, error) {
	searchURL := fmt.Sprintf("%s/search.php?%s", c.baseURL, url.Values{
		"searchtype": {"daterange"},
		"daterange":  {from.Format("01/02/2006") + " - " + to.Format("01/02/2006")},
		"Get":        {"Get"},
	}.Encode())

	page, err := c.get(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("encounter search: %w", err)
	}

	encounters, err := parseEncounters(page)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Int("encounters", len(encounters)).
		Str("from", from.Format("2006-01-02")).Str("to", to.Format("2006-01-02")).
		Msg("fetched encounter list")

	var events []tat.RawTestEvent
	for i, enc := range encounters {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if (i+1)%100 == 0 {
			c.logger.Info().Int("done", i+1).Int("total", len(encounters)).Msg("fetching encounter details")
		}

		tests, err := c.fetchTests(ctx, enc)
		if err != nil {
			c.logger.Warn().Err(err).Str("lab_no", enc.LabNo).Str("invoice_no", enc.InvoiceNo).
				Msg("could not fetch encounter details")
			continue
		}
		for _, name := range tests {
			events = append(events, tat.RawTestEvent{
				EncounterDate: enc.EncounterDate,
				LabNo:         enc.LabNo,
				InvoiceNo:     enc.InvoiceNo,
				PNo:           enc.PNo,
				Patient:       enc.Patient,
				Tel:           enc.Tel,
				Src:           enc.Src,
				TestName:      name,
			})
		}
	}

	c.logger.Info().Int("events", len(events)).Msg("lims fetch finished")
	return events, nil
}

// fetchTests pulls the test names for one encounter.
func (c *Client) fetchTests(ctx context.Context, enc encounter) ([]string, error) {
	detailURL := fmt.Sprintf("%s/hoverrequest_b.php?iid=%s&encounterno=%s",
		c.baseURL, url.QueryEscape(enc.InvoiceNo), url.QueryEscape(enc.LabNo))

	page, err := c.get(ctx, detailURL)
	if err != nil {
		return nil, err
	}
	return parseTestNames(page), nil
}

// parseEncounters extracts encounter rows from the search results table
// (id="list"). Rows with fewer than 8 cells or an unparseable date are
// skipped.
func parseEncounters(page string) ([]encounter, error) {
	table := findTable(page, "id", "list")
	if table == nil {
		return nil, fmt.Errorf("no encounter table on search results page")
	}

	rows := tableRows(table)
	if len(rows) <= 1 {
		return nil, nil
	}

	var out []encounter
	seen := make(map[string]struct{})
	for _, row := range rows[1:] { // skip header
		cells := rowCells(row)
		if len(cells) < 8 {
			continue
		}

		d, err := time.Parse("02-01-2006", cells[0])
		if err != nil {
			continue
		}

		enc := encounter{
			EncounterDate: d.Format("2006-01-02"),
			LabNo:         cells[1],
			InvoiceNo:     cells[3],
			PNo:           cells[4],
			Patient:       cells[5],
			Tel:           cells[6],
			Src:           cells[7],
		}
		if _, dup := seen[enc.LabNo]; dup {
			continue
		}
		seen[enc.LabNo] = struct{}{}
		out = append(out, enc)
	}
	return out, nil
}

// parseTestNames extracts test names (third cell of each row) from the
// detail table (class "table-bordered").
func parseTestNames(page string) []string {
	table := findTable(page, "class", "table-bordered")
	if table == nil {
		return nil
	}

	var names []string
	rows := tableRows(table)
	if len(rows) <= 1 {
		return nil
	}
	for _, row := range rows[1:] {
		cells := rowCells(row)
		if len(cells) < 3 {
			continue
		}
		if name := cells[2]; name != "" {
			names = append(names, name)
		}
	}
	return names
}

// findTable parses page and returns the first <table> whose attr contains
// val.
func findTable(page, attr, val string) *html.Node {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}

	var find func(n *html.Node) *html.Node
	find = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.Data == "table" {
			for _, a := range n.Attr {
				if a.Key == attr && strings.Contains(a.Val, val) {
					return n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := find(c); found != nil {
				return found
			}
		}
		return nil
	}
	return find(doc)
}

func tableRows(table *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

func rowCells(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, strings.TrimSpace(nodeText(c)))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
