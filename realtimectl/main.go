package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"bountyhub.com/realtime"
)

const RealtimeCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Realtime control.

The default urls are:
    api_url: https://bounties.example.com/api
    socket host is derived from api_url unless --socket_url is given

Usage:
    realtimectl watch [--api_url=<api_url>] [--socket_url=<socket_url>]
        [--db=<db>]
    realtimectl invoice [--api_url=<api_url>] [--socket_url=<socket_url>]
        [--db=<db>]
        --amount=<amount>
        --memo=<memo>
        [--type=<type>]
    realtimectl pay [--api_url=<api_url>] [--socket_url=<socket_url>]
        [--db=<db>]
        --bounty=<bounty_id>
        [--workspace=<workspace_uuid>]
        [--price=<price>]
    realtimectl budget [--api_url=<api_url>] --workspace=<workspace_uuid>
    realtimectl logs --url=<url> --project=<project_id>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --socket_url=<socket_url>      Full socket url, e.g. wss://host/websocket
    --db=<db>                      Client state db path.
    --amount=<amount>              Invoice amount in sats.
    --memo=<memo>
    --type=<type>                  KEYSEND or ASSIGN [default: KEYSEND]
    --bounty=<bounty_id>
    --workspace=<workspace_uuid>
    --price=<price>                Bounty price for the budget check.
    --url=<url>                    Log stream endpoint.
    --project=<project_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if invoice_, _ := opts.Bool("invoice"); invoice_ {
		invoice(opts)
	} else if pay_, _ := opts.Bool("pay"); pay_ {
		pay(opts)
	} else if budget_, _ := opts.Bool("budget"); budget_ {
		budget(opts)
	} else if logs_, _ := opts.Bool("logs"); logs_ {
		logs(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return strings.TrimSuffix(apiUrl, "/")
	}
	return "https://bounties.example.com/api"
}

func socketUrl(opts docopt.Opts) string {
	if socketUrl, err := opts.String("--socket_url"); err == nil && socketUrl != "" {
		return socketUrl
	}
	host := apiUrl(opts)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.Index(host, "/"); 0 <= i {
		host = host[0:i]
	}
	return realtime.SocketUrl(host)
}

func dbPath(opts docopt.Opts) string {
	if db, err := opts.String("--db"); err == nil && db != "" {
		return db
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".realtimectl", "client.db")
}

func readAuthToken() string {
	if token := os.Getenv("REALTIME_JWT"); token != "" {
		return token
	}
	fmt.Fprint(os.Stderr, "auth token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read token: %s", err)
	}
	return strings.TrimSpace(string(tokenBytes))
}

func openClient(ctx context.Context, opts docopt.Opts) *realtime.Client {
	store, err := realtime.OpenClientStore(ctx, dbPath(opts))
	if err != nil {
		Err.Fatalf("open store: %s", err)
	}
	client, err := realtime.EnsureConnection(ctx, store, clientSettings(opts))
	if err != nil {
		Err.Fatalf("connect: %s", err)
	}
	return client
}

func clientSettings(opts docopt.Opts) *realtime.ClientSettings {
	settings := realtime.DefaultClientSettings()
	settings.SocketUrl = socketUrl(opts)
	return settings
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := openClient(ctx, opts)
	defer realtime.ShutdownConnection()

	client.AddStateCallback(func(state realtime.ConnectionState) {
		Out.Printf("state %s", state)
	})

	dispatcher := client.Dispatcher()
	for _, kind := range []realtime.EventKind{
		realtime.EventUserConnect,
		realtime.EventKeysendSuccess,
		realtime.EventKeysendPending,
		realtime.EventKeysendError,
		realtime.EventKeysendFailed,
		realtime.EventInvoiceSuccess,
		realtime.EventPaymentSuccess,
		realtime.EventAssignSuccess,
		realtime.EventLnauthSuccess,
		realtime.EventBudgetSuccess,
	} {
		kind := kind
		dispatcher.Subscribe(kind, func(event *realtime.Event) {
			Out.Printf("%s %s", kind, event.BodyString())
		})
	}
	dispatcher.SubscribeAction(func(event *realtime.ActionEvent) {
		Out.Printf("action %s %s", event.Action, event.Message)
	})

	uniqueId, _ := client.UniqueId()
	Out.Printf("watching as %s (%v)", uniqueId, dispatcher.SubscribedKinds())

	<-ctx.Done()
}

func invoice(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := openClient(ctx, opts)
	defer realtime.ShutdownConnection()

	api := realtime.NewPlatformApiWithContext(ctx, apiUrl(opts))
	api.SetAuthToken(readAuthToken())

	coordinator := realtime.NewCoordinatorWithDefaults(ctx, client, api)
	defer coordinator.Close()

	amountStr, _ := opts.String("--amount")
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad amount: %s", err)
	}
	memo, _ := opts.String("--memo")
	invoiceType, _ := opts.String("--type")

	op, err := coordinator.CreateInvoice(&realtime.CreateInvoiceArgs{
		Amount: amount,
		Memo:   memo,
		Type:   invoiceType,
	})
	if err != nil {
		Err.Fatalf("create invoice: %s", err)
	}
	if invoice := op.Invoice(); invoice != "" {
		Out.Printf("invoice %s", invoice)
	}

	// poll as the fallback path while waiting for the push event
	go func() {
		for {
			select {
			case <-op.Done():
				return
			case <-time.After(5 * time.Second):
			}
			if settled, err := coordinator.PollInvoice(op); err != nil {
				Err.Printf("poll: %s", err)
			} else if settled {
				return
			}
		}
	}()

	result, err := op.Result(ctx)
	if err != nil {
		Err.Fatalf("wait: %s", err)
	}
	printResult(result)
}

func pay(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := openClient(ctx, opts)
	defer realtime.ShutdownConnection()

	api := realtime.NewPlatformApiWithContext(ctx, apiUrl(opts))
	api.SetAuthToken(readAuthToken())

	coordinator := realtime.NewCoordinatorWithDefaults(ctx, client, api)
	defer coordinator.Close()

	bountyStr, _ := opts.String("--bounty")
	bountyId, err := strconv.ParseInt(bountyStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad bounty id: %s", err)
	}
	workspaceUuid, _ := opts.String("--workspace")
	var price int64
	if priceStr, err := opts.String("--price"); err == nil && priceStr != "" {
		price, err = strconv.ParseInt(priceStr, 10, 64)
		if err != nil {
			Err.Fatalf("bad price: %s", err)
		}
	}

	op, err := coordinator.PayBounty(&realtime.PayBountyOperationArgs{
		BountyId:      bountyId,
		WorkspaceUuid: workspaceUuid,
		Price:         price,
	})
	if err != nil {
		Err.Fatalf("pay bounty: %s", err)
	}

	result, err := op.Result(ctx)
	if err != nil {
		Err.Fatalf("wait: %s", err)
	}
	printResult(result)
}

func budget(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := realtime.NewPlatformApiWithContext(ctx, apiUrl(opts))
	api.SetAuthToken(readAuthToken())

	workspaceUuid, _ := opts.String("--workspace")
	result, err := api.WorkspaceBudgetSync(workspaceUuid)
	if err != nil {
		Err.Fatalf("budget: %s", err)
	}
	Out.Printf("current_budget %d", result.CurrentBudget)
}

func logs(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	url, _ := opts.String("--url")
	projectId, _ := opts.String("--project")

	stream := realtime.NewLogStreamWithDefaults(ctx, url)
	defer stream.Close()

	stream.AddEntryCallback(func(entry realtime.LogEntry) {
		Out.Printf("%s %s %s", entry.Timestamp.Format(time.RFC3339), entry.ProjectId, entry.Message)
	})
	stream.SetProject(projectId, "")

	<-ctx.Done()
}

func printResult(result *realtime.PaymentResult) {
	switch result.State {
	case realtime.OperationStateSucceeded:
		Out.Printf("succeeded")
	default:
		reason := string(result.Reason)
		if result.Message != "" {
			reason = fmt.Sprintf("%s: %s", reason, result.Message)
		}
		Out.Printf("%s %s", strings.ToLower(string(result.State)), reason)
	}
}
