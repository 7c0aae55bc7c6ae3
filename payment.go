package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OperationState string

// operation state machine is:
// OperationStateCreated
//
//	-> OperationStatePending
//	  -> OperationStateSucceeded (terminal)
//	  -> OperationStateFailed (terminal)
//	  -> OperationStateTimedOut (terminal)
//	-> OperationStateFailed (terminal, creation error)
const (
	OperationStateCreated   OperationState = "Created"
	OperationStatePending   OperationState = "Pending"
	OperationStateSucceeded OperationState = "Succeeded"
	OperationStateFailed    OperationState = "Failed"
	OperationStateTimedOut  OperationState = "TimedOut"
)

func (self OperationState) IsTerminal() bool {
	switch self {
	case OperationStateSucceeded, OperationStateFailed, OperationStateTimedOut:
		return true
	default:
		return false
	}
}

type OperationKind string

const (
	OperationKindInvoice        OperationKind = "invoice"
	OperationKindAssign         OperationKind = "assign"
	OperationKindPayment        OperationKind = "payment"
	OperationKindBudgetWithdraw OperationKind = "budget_withdraw"
)

type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonInsufficientFunds FailureReason = "insufficient_funds"
	ReasonCreationError     FailureReason = "creation_error"
	ReasonPaymentError      FailureReason = "payment_error"
	ReasonTimeout           FailureReason = "timeout"
)

type PaymentResult struct {
	State   OperationState
	Reason  FailureReason
	Message string
	// payment request of the created invoice, when the operation created one
	Invoice string
}

// PaymentOperation tracks one REST-initiated operation until a push event,
// a settlement poll, or the deadline resolves it. Resolution is first-wins:
// whichever of the racing paths arrives first settles the result, subsequent
// arrivals are no-ops.
type PaymentOperation struct {
	operationId Id
	kind        OperationKind
	createdAt   time.Time

	successKinds []EventKind
	failureKinds []EventKind

	stateLock sync.Mutex
	state     OperationState
	invoice   string

	resolveOnce sync.Once
	done        chan struct{}
	result      *PaymentResult

	timer       *time.Timer
	coordinator *Coordinator
}

func (self *PaymentOperation) OperationId() Id {
	return self.operationId
}

func (self *PaymentOperation) Kind() OperationKind {
	return self.kind
}

func (self *PaymentOperation) State() OperationState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *PaymentOperation) Invoice() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.invoice
}

func (self *PaymentOperation) setInvoice(invoice string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.invoice = invoice
}

func (self *PaymentOperation) setState(state OperationState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = state
}

// Done closes when the operation reaches a terminal state.
func (self *PaymentOperation) Done() <-chan struct{} {
	return self.done
}

// Result blocks until the operation is terminal or the context ends.
func (self *PaymentOperation) Result(ctx context.Context) (*PaymentResult, error) {
	select {
	case <-self.done:
		return self.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel marks a still pending operation TimedOut and detaches it.
func (self *PaymentOperation) Cancel() {
	self.resolve(&PaymentResult{
		State:  OperationStateTimedOut,
		Reason: ReasonTimeout,
	})
}

func (self *PaymentOperation) resolve(result *PaymentResult) {
	self.resolveOnce.Do(func() {
		result.Invoice = self.Invoice()
		self.result = result
		self.setState(result.State)
		if self.timer != nil {
			self.timer.Stop()
		}
		if self.coordinator != nil {
			self.coordinator.removeOperation(self)
		}
		close(self.done)
		glog.V(2).Infof("[p]%s %s -> %s\n", self.kind, self.operationId, result.State)
	})
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		OperationTimeout: 60 * time.Second,
	}
}

type CoordinatorSettings struct {
	// deadline from creation to a terminal state. 0 disables the timer
	OperationTimeout time.Duration
}

// Coordinator correlates REST-initiated payment operations with the push
// events of the dispatcher. The wire protocol carries no per-operation
// correlation id, so terminal events match the oldest pending operation
// accepting that kind; callers must not hold two concurrent operations of the
// same kind if they need independent resolution.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *Client
	api      *PlatformApi
	settings *CoordinatorSettings

	opLock  sync.Mutex
	pending []*PaymentOperation

	unsubs []func()
}

func NewCoordinatorWithDefaults(ctx context.Context, client *Client, api *PlatformApi) *Coordinator {
	return NewCoordinator(ctx, client, api, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, client *Client, api *PlatformApi, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &Coordinator{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		api:      api,
		settings: settings,
	}

	dispatcher := client.Dispatcher()
	for _, kind := range []EventKind{
		EventInvoiceSuccess,
		EventPaymentSuccess,
		EventAssignSuccess,
		EventBudgetSuccess,
		EventKeysendSuccess,
		EventKeysendPending,
		EventKeysendError,
		EventKeysendFailed,
	} {
		coordinator.unsubs = append(
			coordinator.unsubs,
			dispatcher.Subscribe(kind, coordinator.handleEvent),
		)
	}

	return coordinator
}

func (self *Coordinator) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.opLock.Lock()
	pending := slices.Clone(self.pending)
	self.opLock.Unlock()
	for _, op := range pending {
		op.Cancel()
	}
}

func (self *Coordinator) PendingCount() int {
	self.opLock.Lock()
	defer self.opLock.Unlock()
	return len(self.pending)
}

func (self *Coordinator) newOperation(
	kind OperationKind,
	successKinds []EventKind,
	failureKinds []EventKind,
) *PaymentOperation {
	op := &PaymentOperation{
		operationId:  NewId(),
		kind:         kind,
		createdAt:    time.Now(),
		successKinds: successKinds,
		failureKinds: failureKinds,
		state:        OperationStateCreated,
		done:         make(chan struct{}),
		coordinator:  self,
	}
	return op
}

func (self *Coordinator) addPending(op *PaymentOperation) {
	self.opLock.Lock()
	self.pending = append(self.pending, op)
	self.opLock.Unlock()

	op.setState(OperationStatePending)

	if 0 < self.settings.OperationTimeout {
		op.timer = time.AfterFunc(self.settings.OperationTimeout, func() {
			op.resolve(&PaymentResult{
				State:  OperationStateTimedOut,
				Reason: ReasonTimeout,
			})
		})
	}
}

func (self *Coordinator) removeOperation(op *PaymentOperation) {
	self.opLock.Lock()
	defer self.opLock.Unlock()
	for i, pendingOp := range self.pending {
		if pendingOp == op {
			self.pending = append(self.pending[0:i], self.pending[i+1:]...)
			return
		}
	}
}

// handleEvent routes a terminal push event to the oldest pending operation
// accepting that kind.
func (self *Coordinator) handleEvent(event *Event) {
	var match *PaymentOperation
	failure := false
	func() {
		self.opLock.Lock()
		defer self.opLock.Unlock()
		for _, op := range self.pending {
			if slices.Contains(op.successKinds, event.Kind) {
				match = op
				return
			}
			if slices.Contains(op.failureKinds, event.Kind) {
				match = op
				failure = true
				return
			}
		}
	}()

	if match == nil {
		if event.Kind == EventKeysendPending {
			// non terminal, informational
			glog.V(2).Infof("[p]keysend pending\n")
			return
		}
		glog.Infof("[p]no pending operation for %s\n", event.Kind)
		return
	}

	if failure {
		match.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonPaymentError,
			Message: event.BodyString(),
		})
	} else {
		match.resolve(&PaymentResult{
			State: OperationStateSucceeded,
		})
	}
}

// CreateInvoice issues the invoice creation call and returns an operation
// pending on settlement. A REST failure resolves the operation Failed with a
// typed reason; it never panics past the caller.
func (self *Coordinator) CreateInvoice(args *CreateInvoiceArgs) (*PaymentOperation, error) {
	kind := OperationKindInvoice
	successKinds := []EventKind{EventInvoiceSuccess, EventPaymentSuccess, EventKeysendSuccess}
	var failureKinds []EventKind
	switch args.Type {
	case "KEYSEND":
		failureKinds = []EventKind{EventKeysendError, EventKeysendFailed}
	case "ASSIGN":
		kind = OperationKindAssign
		successKinds = []EventKind{EventInvoiceSuccess, EventAssignSuccess}
	default:
		return nil, fmt.Errorf("unknown invoice type %q", args.Type)
	}

	if args.WebsocketToken == "" {
		uniqueId, err := self.client.UniqueId()
		if err != nil {
			return nil, err
		}
		args.WebsocketToken = uniqueId
	}
	if args.OwnerPubkey == "" {
		if claims, err := self.api.AuthClaims(); err == nil {
			args.OwnerPubkey = claims.Pubkey
		}
	}

	op := self.newOperation(kind, successKinds, failureKinds)

	// pending before the call so a fast push cannot slip between the
	// response and the subscription
	self.addPending(op)

	result, err := self.api.CreateInvoiceSync(args)
	if err != nil {
		op.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonCreationError,
			Message: err.Error(),
		})
		return op, nil
	}
	if !result.Success {
		message := ""
		if result.Error != nil {
			message = result.Error.Message
		}
		op.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonCreationError,
			Message: message,
		})
		return op, nil
	}
	if result.Response != nil {
		op.setInvoice(result.Response.Invoice)
	}

	return op, nil
}

type PayBountyOperationArgs struct {
	BountyId int64
	// set for workspace funded bounties; enables the budget short circuit
	WorkspaceUuid string
	Price         int64
}

// PayBounty executes a bounty payment. For workspace funded bounties the
// budget resolves first; an insufficient budget short circuits to Failed
// without any payment network round trip. Otherwise the REST response and the
// payment_success push race and the first arrival wins.
func (self *Coordinator) PayBounty(args *PayBountyOperationArgs) (*PaymentOperation, error) {
	op := self.newOperation(
		OperationKindPayment,
		[]EventKind{EventPaymentSuccess},
		nil,
	)

	if args.WorkspaceUuid != "" {
		budget, err := self.api.WorkspaceBudgetSync(args.WorkspaceUuid)
		if err != nil {
			op.resolve(&PaymentResult{
				State:   OperationStateFailed,
				Reason:  ReasonCreationError,
				Message: err.Error(),
			})
			return op, nil
		}
		if budget.CurrentBudget < args.Price {
			op.resolve(&PaymentResult{
				State:   OperationStateFailed,
				Reason:  ReasonInsufficientFunds,
				Message: fmt.Sprintf("budget %d < price %d", budget.CurrentBudget, args.Price),
			})
			return op, nil
		}
	}

	uniqueId, err := self.client.UniqueId()
	if err != nil {
		return nil, err
	}

	self.addPending(op)

	self.api.PayBounty(args.BountyId, &PayBountyArgs{
		WebsocketToken: uniqueId,
	}, NewApiCallback[*PayBountyResult](func(result *PayBountyResult, err error) {
		if err != nil {
			op.resolve(&PaymentResult{
				State:   OperationStateFailed,
				Reason:  ReasonPaymentError,
				Message: err.Error(),
			})
			return
		}
		if result.Success {
			op.resolve(&PaymentResult{
				State: OperationStateSucceeded,
			})
			return
		}
		message := ""
		if result.Error != nil {
			message = result.Error.Message
		}
		op.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonPaymentError,
			Message: message,
		})
	}))

	return op, nil
}

// WithdrawBudget creates a workspace budget withdrawal resolved by
// budget_success.
func (self *Coordinator) WithdrawBudget(args *WithdrawBudgetArgs) (*PaymentOperation, error) {
	if args.WebsocketToken == "" {
		uniqueId, err := self.client.UniqueId()
		if err != nil {
			return nil, err
		}
		args.WebsocketToken = uniqueId
	}

	op := self.newOperation(
		OperationKindBudgetWithdraw,
		[]EventKind{EventBudgetSuccess},
		nil,
	)
	self.addPending(op)

	result, err := self.api.WithdrawBudgetSync(args)
	if err != nil {
		op.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonCreationError,
			Message: err.Error(),
		})
		return op, nil
	}
	if !result.Success {
		message := ""
		if result.Error != nil {
			message = result.Error.Message
		}
		op.resolve(&PaymentResult{
			State:   OperationStateFailed,
			Reason:  ReasonCreationError,
			Message: message,
		})
	}
	return op, nil
}

// PollInvoice is the fallback resolution path for flows without a trusted
// push channel. A settled poll resolves the operation; poll and push never
// both resolve it since resolution is first-wins.
func (self *Coordinator) PollInvoice(op *PaymentOperation) (bool, error) {
	invoice := op.Invoice()
	if invoice == "" {
		return false, fmt.Errorf("operation %s has no invoice", op.OperationId())
	}
	result, err := self.api.PollInvoiceSync(invoice)
	if err != nil {
		// transport problems leave the operation pending, a push may still land
		return false, err
	}
	if result.Success && result.Response != nil && result.Response.Settled {
		op.resolve(&PaymentResult{
			State: OperationStateSucceeded,
		})
		return true, nil
	}
	return false, nil
}
