package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/obe711/realm-inspector-go/pkg/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "ping":
		err = pingCommand(os.Args[2:])
	case "info":
		err = simpleCommand(os.Args[2:], wire.RequestGetRealmInfo, nil)
	case "schemas":
		err = simpleCommand(os.Args[2:], wire.RequestListSchemas, nil)
	case "schema":
		err = typeNameCommand(os.Args[2:], wire.RequestGetSchema)
	case "query":
		err = queryCommand(os.Args[2:])
	case "get":
		err = getCommand(os.Args[2:])
	case "create":
		err = createCommand(os.Args[2:])
	case "update":
		err = updateCommand(os.Args[2:])
	case "delete":
		err = deleteCommand(os.Args[2:])
	case "purge":
		err = purgeCommand(os.Args[2:])
	case "watch":
		err = watchCommand(os.Args[2:])
	case "version":
		fmt.Println("inspectorctl development build")
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: inspectorctl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ping      Round-trip the agent")
	fmt.Println("  info      Print database info")
	fmt.Println("  schemas   List collection schemas")
	fmt.Println("  schema    Print one schema (-type)")
	fmt.Println("  query     Page through documents (-type, -filter, -sort, -limit, -skip)")
	fmt.Println("  get       Fetch one document (-type, -key)")
	fmt.Println("  create    Create a document (-type, -data JSON)")
	fmt.Println("  update    Update a document (-type, -key, -data JSON)")
	fmt.Println("  delete    Delete a document (-type, -key)")
	fmt.Println("  purge     Delete everything in a collection (-type) or the database (-all)")
	fmt.Println("  watch     Subscribe to a collection and stream changes (-type, -filter)")
	fmt.Println("  version   Print CLI version")
}

func addrFlags(fs *flag.FlagSet) *string {
	return fs.String("addr", "127.0.0.1:9876", "Agent address")
}

func dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 5*time.Second)
}

var requestSeq int

// rpcCall performs one request/response round trip.
func rpcCall(addr string, kind wire.RequestKind, params map[string]wire.Value) (*wire.Response, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	requestSeq++
	req := &wire.Request{
		ID:     fmt.Sprintf("ctl-%d-%d", os.Getpid(), requestSeq),
		Type:   kind,
		Params: params,
	}
	if err := wire.WriteMessage(conn, wire.NewRequestMessage(req), 0); err != nil {
		return nil, err
	}
	for {
		msg, err := wire.ReadMessage(conn, 0)
		if err != nil {
			return nil, err
		}
		if msg.Type == wire.MessageTypeResponse && msg.Response.ID == req.ID {
			return msg.Response, nil
		}
	}
}

func printResult(resp *wire.Response) error {
	if !resp.Success {
		if resp.Error != nil {
			return errors.New(*resp.Error)
		}
		return errors.New("request failed")
	}
	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func pingCommand(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := addrFlags(fs)
	_ = fs.Parse(args)
	started := time.Now()
	resp, err := rpcCall(*addr, wire.RequestPing, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("ping failed")
	}
	fmt.Printf("agent responded in %s\n", time.Since(started).Round(time.Millisecond))
	return nil
}

func simpleCommand(args []string, kind wire.RequestKind, params map[string]wire.Value) error {
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	addr := addrFlags(fs)
	_ = fs.Parse(args)
	resp, err := rpcCall(*addr, kind, params)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func typeNameCommand(args []string, kind wire.RequestKind) error {
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	_ = fs.Parse(args)
	if *typeName == "" {
		return errors.New("-type required")
	}
	resp, err := rpcCall(*addr, kind, map[string]wire.Value{
		"typeName": wire.String(*typeName),
	})
	if err != nil {
		return err
	}
	return printResult(resp)
}

func queryCommand(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	filter := fs.String("filter", "", "Predicate filter")
	sortKey := fs.String("sort", "", "Sort key path")
	descending := fs.Bool("desc", false, "Sort descending")
	limit := fs.Int64("limit", 50, "Page size")
	skip := fs.Int64("skip", 0, "Page offset")
	_ = fs.Parse(args)
	if *typeName == "" {
		return errors.New("-type required")
	}
	params := map[string]wire.Value{
		"typeName":  wire.String(*typeName),
		"limit":     wire.Int(*limit),
		"skip":      wire.Int(*skip),
		"ascending": wire.Bool(!*descending),
	}
	if *filter != "" {
		params["filter"] = wire.String(*filter)
	}
	if *sortKey != "" {
		params["sortKeyPath"] = wire.String(*sortKey)
	}
	resp, err := rpcCall(*addr, wire.RequestQueryDocuments, params)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func keyedParams(typeName, key string) map[string]wire.Value {
	return map[string]wire.Value{
		"typeName":   wire.String(typeName),
		"primaryKey": wire.String(key),
	}
}

func getCommand(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	key := fs.String("key", "", "Primary key")
	_ = fs.Parse(args)
	if *typeName == "" || *key == "" {
		return errors.New("-type and -key required")
	}
	resp, err := rpcCall(*addr, wire.RequestGetDocument, keyedParams(*typeName, *key))
	if err != nil {
		return err
	}
	return printResult(resp)
}

func parseDataFlag(data string) (wire.Value, error) {
	var v wire.Value
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return wire.Value{}, fmt.Errorf("decode -data: %w", err)
	}
	return v, nil
}

func createCommand(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	data := fs.String("data", "", "Document JSON")
	_ = fs.Parse(args)
	if *typeName == "" || *data == "" {
		return errors.New("-type and -data required")
	}
	doc, err := parseDataFlag(*data)
	if err != nil {
		return err
	}
	resp, err := rpcCall(*addr, wire.RequestCreateDocument, map[string]wire.Value{
		"typeName": wire.String(*typeName),
		"data":     doc,
	})
	if err != nil {
		return err
	}
	return printResult(resp)
}

func updateCommand(args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	key := fs.String("key", "", "Primary key")
	data := fs.String("data", "", "Changed fields JSON")
	_ = fs.Parse(args)
	if *typeName == "" || *key == "" || *data == "" {
		return errors.New("-type, -key and -data required")
	}
	changes, err := parseDataFlag(*data)
	if err != nil {
		return err
	}
	params := keyedParams(*typeName, *key)
	params["changes"] = changes
	resp, err := rpcCall(*addr, wire.RequestUpdateDocument, params)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func deleteCommand(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	key := fs.String("key", "", "Primary key")
	_ = fs.Parse(args)
	if *typeName == "" || *key == "" {
		return errors.New("-type and -key required")
	}
	resp, err := rpcCall(*addr, wire.RequestDeleteDocument, keyedParams(*typeName, *key))
	if err != nil {
		return err
	}
	return printResult(resp)
}

func purgeCommand(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	all := fs.Bool("all", false, "Purge the whole database")
	_ = fs.Parse(args)
	if *all {
		resp, err := rpcCall(*addr, wire.RequestDeleteAllInDatabase, nil)
		if err != nil {
			return err
		}
		return printResult(resp)
	}
	if *typeName == "" {
		return errors.New("-type or -all required")
	}
	resp, err := rpcCall(*addr, wire.RequestDeleteAllInCollection, map[string]wire.Value{
		"typeName": wire.String(*typeName),
	})
	if err != nil {
		return err
	}
	return printResult(resp)
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := addrFlags(fs)
	typeName := fs.String("type", "", "Collection name")
	filter := fs.String("filter", "", "Predicate filter")
	_ = fs.Parse(args)
	if *typeName == "" {
		return errors.New("-type required")
	}

	conn, err := dial(*addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	params := map[string]wire.Value{"typeName": wire.String(*typeName)}
	if *filter != "" {
		params["filter"] = wire.String(*filter)
	}
	req := &wire.Request{ID: fmt.Sprintf("ctl-watch-%d", os.Getpid()), Type: wire.RequestSubscribe, Params: params}
	if err := wire.WriteMessage(conn, wire.NewRequestMessage(req), 0); err != nil {
		return err
	}

	for {
		msg, err := wire.ReadMessage(conn, 0)
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.MessageTypeResponse:
			if !msg.Response.Success {
				if msg.Response.Error != nil {
					return errors.New(*msg.Response.Error)
				}
				return errors.New("subscribe failed")
			}
			fmt.Printf("watching %s; ctrl-c to stop\n", *typeName)
		case wire.MessageTypeNotification:
			n := msg.Notification
			fmt.Printf("[%s] %s: +%d ~%d -%d\n", n.Timestamp, n.TypeName,
				len(n.Changes.Insertions), len(n.Changes.Modifications), len(n.Changes.Deletions))
			out, err := json.MarshalIndent(n.Changes, "", "  ")
			if err == nil {
				fmt.Println(string(out))
			}
		}
	}
}
