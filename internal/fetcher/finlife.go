package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"savings-alerts/internal/alert"
)

const (
	depositPath    = "/depositProductsSearch.json"
	savingsPath    = "/savingProductsSearch.json"
	submitLayout   = "200601021504"
	finlifeOK      = "000"
	defaultBaseURL = "https://finlife.fss.or.kr/finlifeapi"
)

// Submission times are published in Korea Standard Time, which has no DST.
var kst = time.FixedZone("KST", 9*60*60)

// FinlifeOptions parameterise the FSS finlife client.
type FinlifeOptions struct {
	BaseURL   string
	AuthKey   string
	Groups    []string
	Timeout   time.Duration
	MaxPages  int
	UserAgent string
}

// Finlife reads product snapshots from the FSS financial product open API.
type Finlife struct {
	opts    FinlifeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFinlife constructs a finlife client.
func NewFinlife(opts FinlifeOptions, logger zerolog.Logger) *Finlife {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if len(opts.Groups) == 0 {
		opts.Groups = []string{"020000"}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Finlife{
		opts:    opts,
		logger:  logger.With().Str("component", "finlife_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// ListProductSnapshots fetches every page of every configured company group.
func (f *Finlife) ListProductSnapshots(ctx context.Context, kind alert.ProductKind) ([]alert.ProductSnapshot, error) {
	if f.opts.AuthKey == "" {
		return nil, errors.New("finlife auth key required")
	}

	path := depositPath
	if kind == alert.KindSavings {
		path = savingsPath
	}

	snapshots := make([]alert.ProductSnapshot, 0)
	seen := make(map[string]int)
	for _, group := range f.opts.Groups {
		for page := 1; page <= f.opts.MaxPages; page++ {
			res, err := f.fetchPage(ctx, path, group, page)
			if err != nil {
				return nil, fmt.Errorf("finlife %s group %s page %d: %w", kind, group, page, err)
			}
			snapshots = mergeSnapshots(snapshots, seen, kind, res)
			if page >= res.MaxPageNo {
				break
			}
		}
	}

	f.logger.Debug().Str("kind", string(kind)).Int("products", len(snapshots)).Msg("finlife snapshots fetched")
	return snapshots, nil
}

func (f *Finlife) fetchPage(ctx context.Context, path, group string, page int) (finlifeResult, error) {
	q := url.Values{}
	q.Set("auth", f.opts.AuthKey)
	q.Set("topFinGrpNo", group)
	q.Set("pageNo", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return finlifeResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratealert/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return finlifeResult{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return finlifeResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return finlifeResult{}, parseHTTPError(resp.StatusCode, payload)
	}

	var envelope struct {
		Result finlifeResult `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return finlifeResult{}, fmt.Errorf("decode finlife response: %w", err)
	}
	if envelope.Result.ErrCode != finlifeOK {
		return finlifeResult{}, fmt.Errorf("finlife error %s: %s", envelope.Result.ErrCode, envelope.Result.ErrMsg)
	}
	return envelope.Result, nil
}

type finlifeResult struct {
	ErrCode    string          `json:"err_cd"`
	ErrMsg     string          `json:"err_msg"`
	TotalCount int             `json:"total_count"`
	MaxPageNo  int             `json:"max_page_no"`
	NowPageNo  int             `json:"now_page_no"`
	BaseList   []finlifeBase   `json:"baseList"`
	OptionList []finlifeOption `json:"optionList"`
}

type finlifeBase struct {
	FinCoNo     string              `json:"fin_co_no"`
	ProductCode string              `json:"fin_prdt_cd"`
	CompanyName string              `json:"kor_co_nm"`
	ProductName string              `json:"fin_prdt_nm"`
	MaxLimit    decimal.NullDecimal `json:"max_limit"`
	SubmittedAt string              `json:"fin_co_subm_day"`
}

type finlifeOption struct {
	FinCoNo       string              `json:"fin_co_no"`
	ProductCode   string              `json:"fin_prdt_cd"`
	RateType      string              `json:"intr_rate_type"`
	ReserveType   string              `json:"rsrv_type"`
	SaveTerm      string              `json:"save_trm"`
	BaseRate      decimal.NullDecimal `json:"intr_rate"`
	PreferredRate decimal.NullDecimal `json:"intr_rate2"`
}

func mergeSnapshots(out []alert.ProductSnapshot, seen map[string]int, kind alert.ProductKind, res finlifeResult) []alert.ProductSnapshot {
	for _, b := range res.BaseList {
		code := productCode(b.FinCoNo, b.ProductCode)
		if _, ok := seen[code]; ok {
			continue
		}
		snap := alert.ProductSnapshot{
			Kind:    kind,
			Code:    code,
			Name:    b.ProductName,
			Company: b.CompanyName,
			Version: parseSubmitted(b.SubmittedAt),
		}
		if b.MaxLimit.Valid {
			snap.MaxAmount = b.MaxLimit.Decimal
		}
		seen[code] = len(out)
		out = append(out, snap)
	}

	for _, o := range res.OptionList {
		i, ok := seen[productCode(o.FinCoNo, o.ProductCode)]
		if !ok {
			continue
		}
		opt, ok := toRateOption(kind, o)
		if !ok {
			continue
		}
		out[i].Options = append(out[i].Options, opt)
	}
	return out
}

// productCode qualifies a product code with its company number. Finlife codes
// are only unique per company, and the code is part of the event dedup key.
func productCode(finCoNo, prdtCd string) string {
	finCoNo, prdtCd = strings.TrimSpace(finCoNo), strings.TrimSpace(prdtCd)
	if finCoNo == "" {
		return prdtCd
	}
	return finCoNo + "-" + prdtCd
}

func toRateOption(kind alert.ProductKind, o finlifeOption) (alert.RateOption, bool) {
	if !o.BaseRate.Valid && !o.PreferredRate.Valid {
		return alert.RateOption{}, false
	}
	term, _ := strconv.Atoi(strings.TrimSpace(o.SaveTerm))

	opt := alert.RateOption{
		TermMonths: term,
		Method:     alert.MethodSimple,
		BaseRate:   o.BaseRate.Decimal,
		BestRate:   o.BaseRate.Decimal,
	}
	if o.PreferredRate.Valid && o.PreferredRate.Decimal.GreaterThan(opt.BestRate) {
		opt.BestRate = o.PreferredRate.Decimal
	}
	if o.RateType == "M" {
		opt.Method = alert.MethodCompound
	}
	if kind == alert.KindSavings {
		switch o.ReserveType {
		case "S":
			opt.Reserve = alert.ReserveFixed
		case "F":
			opt.Reserve = alert.ReserveFlexible
		}
	}
	return opt, true
}

func parseSubmitted(s string) time.Time {
	t, err := time.ParseInLocation(submitLayout, strings.TrimSpace(s), kst)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type errorResponse struct {
	Result struct {
		ErrCode string `json:"err_cd"`
		ErrMsg  string `json:"err_msg"`
	} `json:"result"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Result.ErrMsg != "" {
			return fmt.Errorf("finlife api error (%d): %s", status, apiErr.Result.ErrMsg)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("finlife api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("finlife api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("finlife api error (%d)", status)
}

var _ ProductSource = (*Finlife)(nil)
