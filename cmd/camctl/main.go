// Command camctl pokes the printer's camera stack from the shell: it
// toggles the nozzle light, asks the vendor daemon to start a capture
// session, and flips LAN mode through the firmware's RPC port. Each
// invocation is one connection, one exchange, exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/respond"
	"github.com/camforge/gkcam-bridge/internal/rpcetx"
)

const cmdTimeout = 10 * time.Second

// lanRequestID tags LAN mode requests the way the stock firmware
// tools do.
const lanRequestID = 2016

var (
	configPath = flag.String("config", "", "Config file path (YAML)")
	brokerAddr = flag.String("broker", "", "Override the MQTT broker address")
	rpcAddr    = flag.String("rpc", "", "Override the firmware RPC address")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: camctl [flags] <command>

Commands:
  led on|off       Switch the camera light
  start-camera     Ask the vendor daemon to start a capture session
  lanmode get      Show whether LAN mode is enabled
  lanmode on|off   Enable or disable LAN mode

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *brokerAddr != "" {
		cfg.Cloud.BrokerAddr = *brokerAddr
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	switch args[0] {
	case "led":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			log.Fatal("usage: camctl led on|off")
		}
		id := mustIdentity(cfg)
		if err := respond.SetLight(ctx, cfg.Cloud.BrokerAddr, id, args[1] == "on", nil); err != nil {
			log.Fatalf("led: %v", err)
		}
		fmt.Printf("light %s\n", args[1])

	case "start-camera":
		id := mustIdentity(cfg)
		if err := respond.StartCapture(ctx, cfg.Cloud.BrokerAddr, id, nil); err != nil {
			log.Fatalf("start-camera: %v", err)
		}
		fmt.Println("capture start requested")

	case "lanmode":
		if len(args) != 2 {
			log.Fatal("usage: camctl lanmode get|on|off")
		}
		if err := lanmode(ctx, cfg.RPC.Addr, args[1]); err != nil {
			log.Fatalf("lanmode: %v", err)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func mustIdentity(cfg config.Config) *config.Identity {
	id, err := config.LoadIdentity(cfg.Cloud.AccountPath, cfg.Cloud.APIPath)
	if err != nil {
		log.Fatalf("device identity: %v", err)
	}
	return id
}

// lanReply is the slice of the firmware's response these commands care
// about: a non-null error key means failure, result.open carries the
// state.
type lanReply struct {
	Error  json.RawMessage `json:"error"`
	Result struct {
		Open int `json:"open"`
	} `json:"result"`
}

func lanCall(ctx context.Context, addr, method string) (*lanReply, error) {
	req := rpcetx.Request{ID: lanRequestID, Method: method, Params: json.RawMessage("null")}
	raw, err := rpcetx.Call(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	var rep lanReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if len(rep.Error) > 0 && string(rep.Error) != "null" {
		return nil, fmt.Errorf("firmware error: %s", rep.Error)
	}
	return &rep, nil
}

func lanmode(ctx context.Context, addr, verb string) error {
	switch verb {
	case "get":
		rep, err := lanCall(ctx, addr, "Printer/QueryLanPrintStatus")
		if err != nil {
			return err
		}
		if rep.Result.Open == 1 {
			fmt.Println("lan mode: enabled")
		} else {
			fmt.Println("lan mode: disabled")
		}

	case "on":
		rep, err := lanCall(ctx, addr, "Printer/QueryLanPrintStatus")
		if err != nil {
			return err
		}
		if rep.Result.Open == 1 {
			fmt.Println("lan mode already enabled")
			return nil
		}
		if _, err := lanCall(ctx, addr, "Printer/OpenLanPrint"); err != nil {
			return err
		}
		fmt.Println("lan mode enabled")

	case "off":
		if _, err := lanCall(ctx, addr, "Printer/CloseLanPrint"); err != nil {
			return err
		}
		fmt.Println("lan mode disabled")

	default:
		return fmt.Errorf("unknown verb %q (want get, on or off)", verb)
	}
	return nil
}
