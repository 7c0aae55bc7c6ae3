package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// PlatformApi is the REST collaborator surface of the coordination layer:
// invoice creation, bounty payment, budget lookup and withdrawal, and the
// invoice settlement poll. Entity CRUD lives elsewhere.
type PlatformApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string
}

func NewPlatformApi(apiUrl string) *PlatformApi {
	return NewPlatformApiWithContext(context.Background(), apiUrl)
}

func NewPlatformApiWithContext(ctx context.Context, apiUrl string) *PlatformApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &PlatformApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *PlatformApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

func (self *PlatformApi) AuthClaims() (*AuthClaims, error) {
	if self.authToken == "" {
		return nil, errors.New("no auth token")
	}
	return ParseAuthClaimsUnverified(self.authToken)
}

type CreateInvoiceCallback apiCallback[*CreateInvoiceResult]

type CreateInvoiceArgs struct {
	Amount         int64  `json:"amount,string"`
	Memo           string `json:"memo"`
	OwnerPubkey    string `json:"owner_pubkey"`
	UserPubkey     string `json:"user_pubkey"`
	Created        string `json:"created,omitempty"`
	Type           string `json:"type"`
	RouteHint      string `json:"route_hint,omitempty"`
	WebsocketToken string `json:"websocket_token,omitempty"`
}

type CreateInvoiceResult struct {
	Success  bool                   `json:"success"`
	Response *CreateInvoiceResponse `json:"response,omitempty"`
	Error    *CreateInvoiceError    `json:"error,omitempty"`
}

type CreateInvoiceResponse struct {
	Invoice string `json:"invoice"`
}

type CreateInvoiceError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) CreateInvoice(createInvoice *CreateInvoiceArgs, callback CreateInvoiceCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/invoices", self.apiUrl),
		createInvoice,
		self.authToken,
		&CreateInvoiceResult{},
		callback,
	)
}

func (self *PlatformApi) CreateInvoiceSync(createInvoice *CreateInvoiceArgs) (*CreateInvoiceResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/invoices", self.apiUrl),
		createInvoice,
		self.authToken,
		&CreateInvoiceResult{},
		NewNoopApiCallback[*CreateInvoiceResult](),
	)
}

type PayBountyCallback apiCallback[*PayBountyResult]

type PayBountyArgs struct {
	WebsocketToken string `json:"websocket_token,omitempty"`
}

type PayBountyResult struct {
	Success bool           `json:"success"`
	Error   *PayBountyError `json:"error,omitempty"`
}

type PayBountyError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) PayBounty(bountyId int64, payBounty *PayBountyArgs, callback PayBountyCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/gobounties/pay/%d", self.apiUrl, bountyId),
		payBounty,
		self.authToken,
		&PayBountyResult{},
		callback,
	)
}

func (self *PlatformApi) PayBountySync(bountyId int64, payBounty *PayBountyArgs) (*PayBountyResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/gobounties/pay/%d", self.apiUrl, bountyId),
		payBounty,
		self.authToken,
		&PayBountyResult{},
		NewNoopApiCallback[*PayBountyResult](),
	)
}

type WorkspaceBudgetCallback apiCallback[*WorkspaceBudgetResult]

type WorkspaceBudgetResult struct {
	CurrentBudget int64 `json:"current_budget"`
}

func (self *PlatformApi) WorkspaceBudget(workspaceUuid string, callback WorkspaceBudgetCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/workspaces/%s/budget", self.apiUrl, workspaceUuid),
		self.authToken,
		&WorkspaceBudgetResult{},
		callback,
	)
}

func (self *PlatformApi) WorkspaceBudgetSync(workspaceUuid string) (*WorkspaceBudgetResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/workspaces/%s/budget", self.apiUrl, workspaceUuid),
		self.authToken,
		&WorkspaceBudgetResult{},
		NewNoopApiCallback[*WorkspaceBudgetResult](),
	)
}

type WithdrawBudgetCallback apiCallback[*WithdrawBudgetResult]

type WithdrawBudgetArgs struct {
	PaymentRequest string `json:"payment_request"`
	WebsocketToken string `json:"websocket_token,omitempty"`
}

type WithdrawBudgetResult struct {
	Success bool                 `json:"success"`
	Error   *WithdrawBudgetError `json:"error,omitempty"`
}

type WithdrawBudgetError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) WithdrawBudget(withdrawBudget *WithdrawBudgetArgs, callback WithdrawBudgetCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/budget/withdraw", self.apiUrl),
		withdrawBudget,
		self.authToken,
		&WithdrawBudgetResult{},
		callback,
	)
}

func (self *PlatformApi) WithdrawBudgetSync(withdrawBudget *WithdrawBudgetArgs) (*WithdrawBudgetResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/budget/withdraw", self.apiUrl),
		withdrawBudget,
		self.authToken,
		&WithdrawBudgetResult{},
		NewNoopApiCallback[*WithdrawBudgetResult](),
	)
}

type PollInvoiceCallback apiCallback[*PollInvoiceResult]

type PollInvoiceResult struct {
	Success  bool                 `json:"success"`
	Response *PollInvoiceResponse `json:"response,omitempty"`
}

type PollInvoiceResponse struct {
	Settled bool `json:"settled"`
}

func (self *PlatformApi) PollInvoice(paymentRequest string, callback PollInvoiceCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/poll/invoice/%s", self.apiUrl, paymentRequest),
		self.authToken,
		&PollInvoiceResult{},
		callback,
	)
}

func (self *PlatformApi) PollInvoiceSync(paymentRequest string) (*PollInvoiceResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/poll/invoice/%s", self.apiUrl, paymentRequest),
		self.authToken,
		&PollInvoiceResult{},
		NewNoopApiCallback[*PollInvoiceResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if authToken != "" {
		req.Header.Add("x-jwt", authToken)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if authToken != "" {
		req.Header.Add("x-jwt", authToken)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
