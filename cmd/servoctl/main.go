// Command servoctl drives DYNAMIXEL-style servos over a serial adapter:
// one-shot torque/goal commands for scripting, or a long-running monitor
// with admin debug routes and a sqlite journal of all bus traffic.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/servo.bridge/internal/buslink"
	"github.com/banshee-data/servo.bridge/internal/dynamixel"
	"github.com/banshee-data/servo.bridge/internal/journal"
	"github.com/banshee-data/servo.bridge/internal/version"
)

var (
	portPath    = flag.String("port", "", "Serial port to use (empty: pick interactively)")
	baudRate    = flag.Int("baud", buslink.DefaultBaudRate, "Baud rate")
	dbFile      = flag.String("db", "servo_journal.db", "Journal database path (empty: disable journal)")
	listen      = flag.String("listen", ":8080", "Admin HTTP listen address (monitor mode)")
	motorID     = flag.Uint("motor", 1, "Servo ID for one-shot commands")
	torqueFlag  = flag.String("torque", "", "One-shot: set torque 'on' or 'off'")
	goalFlag    = flag.Float64("goal", math.NaN(), "One-shot: goal position in degrees [0,360]")
	goalsFlag   = flag.String("goals", "", "One-shot: comma-separated motor:degrees pairs, e.g. 1:90,2:180")
	pingFlag    = flag.Bool("ping", false, "One-shot: ping the servo")
	listPorts   = flag.Bool("list", false, "List serial ports and exit")
	migrations  = flag.String("migrations", "", "Run journal migrations from this directory before starting")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// replyTimeout matches the reply window the servos are configured for.
const replyTimeout = 800 * time.Millisecond

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *listPorts {
		ports, err := buslink.RealPortLister{}.List()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *motorID > dynamixel.MaxServoID {
		log.Fatalf("motor id %d out of range [0, %d]", *motorID, dynamixel.MaxServoID)
	}

	var chooser buslink.PortChooser = buslink.FixedPort(*portPath)
	if *portPath == "" {
		chooser = buslink.ChooseFunc(promptForPort)
	}

	manager := buslink.NewManager(buslink.RealPortFactory{}, chooser)

	if *dbFile != "" {
		db, err := journal.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open journal %s: %v", *dbFile, err)
		}
		defer db.Close()
		if *migrations != "" {
			if err := db.MigrateUp(*migrations); err != nil {
				log.Fatalf("journal migrations failed: %v", err)
			}
		}
		manager.Recorder = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := manager.Connect(ctx, buslink.PortOptions{BaudRate: *baudRate}); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer manager.Close()
	log.Printf("%s", manager.Status())

	if *torqueFlag != "" || !math.IsNaN(*goalFlag) || *goalsFlag != "" || *pingFlag {
		if err := runOneShot(ctx, manager); err != nil {
			log.Fatalf("command failed: %v", err)
		}
		return
	}

	runMonitor(ctx, manager)
}

// runOneShot sends the requested commands and waits for a status reply
// after each, the way the bus is used interactively.
func runOneShot(ctx context.Context, manager *buslink.Manager) error {
	id := byte(*motorID)

	if *pingFlag {
		if err := manager.Ping(id); err != nil {
			return err
		}
		awaitReply(ctx, manager)
	}

	switch strings.ToLower(*torqueFlag) {
	case "":
	case "on", "off":
		if err := manager.SendTorque(id, *torqueFlag == "on"); err != nil {
			return err
		}
		awaitReply(ctx, manager)
	default:
		return fmt.Errorf("invalid -torque value %q: expected on or off", *torqueFlag)
	}

	if !math.IsNaN(*goalFlag) {
		if err := manager.SendGoalPosition(id, *goalFlag); err != nil {
			return err
		}
		awaitReply(ctx, manager)
	}

	if *goalsFlag != "" {
		if err := runGoalList(ctx, manager, *goalsFlag); err != nil {
			return err
		}
	}

	return nil
}

// runGoalList sends one goal position per motor:degrees pair, in list
// order, waiting out a reply window between sends so slower servos are
// not commanded back to back.
func runGoalList(ctx context.Context, manager *buslink.Manager, list string) error {
	for _, entry := range strings.Split(list, ",") {
		motor, degreesStr, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return fmt.Errorf("invalid -goals entry %q: expected motor:degrees", entry)
		}
		id, err := strconv.ParseUint(motor, 10, 8)
		if err != nil || id > dynamixel.MaxServoID {
			return fmt.Errorf("invalid -goals motor id %q", motor)
		}
		degrees, err := strconv.ParseFloat(degreesStr, 64)
		if err != nil {
			return fmt.Errorf("invalid -goals degrees %q", degreesStr)
		}
		if err := manager.SendGoalPosition(byte(id), degrees); err != nil {
			return err
		}
		awaitReply(ctx, manager)
	}
	return nil
}

// awaitReply reads one status frame if the servo sends one. A quiet bus is
// not an error: servos configured for no status return stay silent.
func awaitReply(ctx context.Context, manager *buslink.Manager) {
	frame, err := manager.ReadFrame(ctx, replyTimeout)
	if err != nil {
		if !errors.Is(err, buslink.ErrReadTimeout) {
			log.Printf("reply read failed: %v", err)
		}
		return
	}

	log.Printf("reply from servo %d: % X", frame.ID(), []byte(frame))
	if status, ok := frame.Status(); ok && status != 0 {
		log.Printf("servo %d reported: %v", frame.ID(), status)
	}
}

func runMonitor(ctx context.Context, manager *buslink.Manager) {
	mux := http.NewServeMux()
	manager.AttachAdminRoutes(mux)
	if db, ok := manager.Recorder.(*journal.DB); ok {
		db.AttachAdminRoutes(mux)
	}

	server := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		log.Printf("admin server listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin server: %v", err)
		}
	}()

	if err := manager.Monitor(ctx); err != nil {
		log.Printf("monitor stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown: %v", err)
	}
}

// promptForPort lists the host's serial ports and asks the operator to
// pick one, the terminal equivalent of a browser device-consent dialog.
// Declining (empty input or EOF) is reported as ErrNoDevice; cancelling
// ctx abandons the prompt without waiting on stdin.
func promptForPort(ctx context.Context) (string, error) {
	ports, err := buslink.RealPortLister{}.List()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", buslink.ErrNoDevice
	}
	if len(ports) == 1 {
		log.Printf("using only serial port %s", ports[0])
		return ports[0], nil
	}

	for i, p := range ports {
		fmt.Printf("  [%d] %s\n", i+1, p)
	}
	fmt.Printf("select port [1-%d]: ", len(ports))

	type response struct {
		line string
		err  error
	}
	// The stdin read has no cancellation of its own, so it runs on the
	// side. An abandoned goroutine blocked on a terminal is harmless for
	// a process about to exit.
	replyCh := make(chan response, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		replyCh <- response{line, err}
	}()

	var line string
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case reply := <-replyCh:
		if reply.err != nil {
			return "", buslink.ErrNoDevice
		}
		line = reply.line
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", buslink.ErrNoDevice
	}

	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(ports) {
		return "", fmt.Errorf("%w: invalid selection %q", buslink.ErrNoDevice, line)
	}
	return ports[n-1], nil
}
