package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"romer_sequencer/internal/keystore"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/repository/participant"
	"romer_sequencer/internal/service/app"
	"romer_sequencer/internal/utils/log"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/term"
)

const (
	passphraseEnv = "ROMER_KEY_PASSPHRASE"
	usage         = `usage: participant <command> [flags]

commands:
  keygen    create an encrypted logon key
  register  add a key's public half to the sequencer's participant registry
  run       log on and open the trading terminal`
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = keygen(os.Args[2:])
	case "register":
		err = register(os.Args[2:])
	case "run":
		err = runTerminal(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	sender := fs.String("sender", "", "SenderCompID to log on as")
	out := fs.String("out", "", "key file to write (default <sender>.key.json)")
	fs.Parse(args)

	if *sender == "" {
		return errors.New("-sender is required")
	}
	path := *out
	if path == "" {
		path = *sender + ".key.json"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	pass, err := passphrase(true)
	if err != nil {
		return err
	}
	key, err := keystore.Generate(*sender)
	if err != nil {
		return err
	}
	if err := keystore.Save(path, key, pass); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n\nparticipants file entry:\n  - sender_id: %s\n    public_key: %s\n", path, key.SenderID, key.PublicKeyHex())
	return nil
}

func register(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	keyPath := fs.String("key", "", "key file created by keygen")
	uri := fs.String("mongo-uri", "mongodb://localhost:27017", "mongo connection string")
	dbName := fs.String("mongo-db", "romer", "mongo database")
	fs.Parse(args)

	key, err := loadKey(*keyPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(*uri))
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())
	if err := client.Ping(ctx, nil); err != nil {
		return err
	}

	repo := participant.NewParticipantRepo(client.Database(*dbName))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return err
	}
	existing, err := repo.GetBySender(ctx, key.SenderID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", participant.ErrAlreadyRegistered, key.SenderID)
	}

	id, err := repo.Create(ctx, &model.Participant{SenderID: key.SenderID, PublicKey: key.PublicKey})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", key.SenderID, id.Hex())
	return nil
}

func runTerminal(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	keyPath := fs.String("key", "", "key file created by keygen")
	addr := fs.String("addr", "localhost:8585", "sequencer FIX address")
	target := fs.String("target", "ROMER", "sequencer TargetCompID")
	heartbeat := fs.Duration("heartbeat", 30*time.Second, "heartbeat interval to request")
	opsHost := fs.String("ops", "localhost:9090", "sequencer ops address, empty to disable block feed")
	logLevel := fs.String("log-level", "", "log to stderr at this level (the terminal UI shares the screen)")
	fs.Parse(args)

	if *logLevel != "" {
		if err := log.Init(*logLevel, true); err != nil {
			return err
		}
		defer log.Sync()
	}

	key, err := loadKey(*keyPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := app.Dial(dialCtx, *addr, key, *target, *heartbeat)
	if err != nil {
		return err
	}
	if _, err := client.Logon(dialCtx); err != nil {
		client.Close()
		return err
	}

	terminal := app.NewApp(client, *opsHost)
	go func() {
		<-ctx.Done()
		terminal.Stop()
	}()
	err = terminal.Run(ctx)
	terminal.Stop()
	return err
}

func loadKey(path string) (*keystore.Key, error) {
	if path == "" {
		return nil, errors.New("-key is required")
	}
	pass, err := passphrase(false)
	if err != nil {
		return nil, err
	}
	return keystore.Load(path, pass)
}

// passphrase reads ROMER_KEY_PASSPHRASE or prompts on the terminal.
func passphrase(confirm bool) ([]byte, error) {
	if v, ok := os.LookupEnv(passphraseEnv); ok {
		return []byte(v), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal to prompt on, set %s", passphraseEnv)
	}

	fmt.Fprint(os.Stderr, "passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return pass, nil
	}

	fmt.Fprint(os.Stderr, "repeat passphrase: ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if string(pass) != string(again) {
		return nil, errors.New("passphrases do not match")
	}
	return pass, nil
}
