package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
	"github.com/zindgh/mqtt-broker/internal/mqttclient"
)

var (
	broker     = flag.String("broker", "127.0.0.1:8883", "MQTT broker address (host:port, TLS)")
	clientID   = flag.String("client", "demo-client", "Client ID")
	username   = flag.String("user", "", "Username for authentication")
	password   = flag.String("pass", "", "Password for authentication")
	qos        = flag.Int("qos", 0, "Quality of Service (0, 1, 2)")
	insecure   = flag.Bool("insecure", true, "skip TLS certificate verification (demo client, no CA bundle)")
	keepAlive  = flag.Uint("keepalive", 30, "keep-alive interval in seconds")
	cleanStart = flag.Bool("clean-start", false, "start a fresh session instead of resuming")
)

func main() {
	flag.Parse()

	fmt.Println("╔════════════════════════════════════════════════╗")
	fmt.Println("║      MQTT v5 Demo Client - Interactive Mode     ║")
	fmt.Println("╚════════════════════════════════════════════════╝")
	fmt.Printf("\nConnecting to broker: %s\n", *broker)
	fmt.Printf("Client ID: %s\n", *clientID)
	fmt.Printf("QoS Level: %d\n\n", *qos)

	tlsCfg := &tls.Config{InsecureSkipVerify: *insecure}

	opts := mqttclient.Options{
		ClientID:   *clientID,
		Username:   *username,
		Password:   []byte(*password),
		HasAuth:    *username != "",
		KeepAlive:  uint16(*keepAlive),
		CleanStart: *cleanStart,
	}

	client, ack, err := mqttclient.Dial(*broker, tlsCfg, opts)
	if err != nil {
		fmt.Printf("❌ Failed to connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Connected (session present: %t)\n", ack.SessionPresent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\n👋 Disconnecting...")
		client.Disconnect(mqtt.ReasonSuccess)
		os.Exit(0)
	}()

	go readLoop(client)

	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "help", "h":
			printHelp()

		case "subscribe", "sub":
			if len(parts) < 2 {
				fmt.Println("❌ Usage: subscribe <topic> [qos]")
				break
			}
			topic := parts[1]
			level := mqtt.QoS(*qos)
			if len(parts) >= 3 {
				if v, err := strconv.Atoi(parts[2]); err == nil {
					level = mqtt.QoS(v)
				}
			}
			ack, err := client.Subscribe(topic, level)
			if err != nil {
				fmt.Printf("❌ Subscribe failed: %v\n", err)
			} else {
				fmt.Printf("✅ Subscribed to '%s' (reason codes: %v)\n", topic, ack.ReasonCodes)
			}

		case "publish", "pub":
			if len(parts) < 3 {
				fmt.Println("❌ Usage: publish <topic> <message> [qos]")
				break
			}
			topic := parts[1]
			msgParts := parts[2:]
			level := mqtt.QoS(*qos)
			if n := len(msgParts); n > 0 {
				if v, err := strconv.Atoi(msgParts[n-1]); err == nil && v >= 0 && v <= 2 {
					level = mqtt.QoS(v)
					msgParts = msgParts[:n-1]
				}
			}
			message := strings.Join(msgParts, " ")
			if err := client.Publish(topic, []byte(message), level); err != nil {
				fmt.Printf("❌ Publish failed: %v\n", err)
			} else {
				fmt.Printf("✅ Published to '%s' (QoS %d)\n", topic, level)
			}

		case "ping":
			if err := client.Ping(); err != nil {
				fmt.Printf("❌ Ping failed: %v\n", err)
			}

		case "exit", "quit", "q":
			fmt.Println("👋 Disconnecting...")
			client.Disconnect(mqtt.ReasonSuccess)
			return

		default:
			fmt.Printf("❌ Unknown command: %s (type 'help' for available commands)\n", cmd)
		}

		fmt.Print("> ")
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

func readLoop(client *mqttclient.Client) {
	for {
		pkt, err := client.ReadPacket()
		if err != nil {
			if err != io.EOF {
				fmt.Printf("\n⚠️  connection lost: %v\n", err)
			}
			return
		}
		switch {
		case pkt.Publish != nil:
			p := pkt.Publish
			fmt.Printf("\n📨 Message received:\n")
			fmt.Printf("   Topic: %s\n", p.Topic)
			fmt.Printf("   QoS: %d\n", p.QoS)
			fmt.Printf("   Payload: %s\n", string(p.Payload))
			fmt.Print("\n> ")
			if p.QoS == mqtt.QoS1 {
				client.Ack(mqtt.PUBACK, p.PacketID)
			} else if p.QoS == mqtt.QoS2 {
				client.Ack(mqtt.PUBREC, p.PacketID)
			}
		case pkt.PubAck != nil:
			a := pkt.PubAck
			switch pkt.Header.Type {
			case mqtt.PUBREC:
				client.Ack(mqtt.PUBREL, a.PacketID)
			case mqtt.PUBREL:
				client.Ack(mqtt.PUBCOMP, a.PacketID)
			}
		}
	}
}

func printHelp() {
	fmt.Println("\n📖 Available Commands:")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  subscribe <topic> [qos]")
	fmt.Println("  sub <topic> [qos]           - Subscribe to a topic")
	fmt.Println()
	fmt.Println("  publish <topic> <message> [qos]")
	fmt.Println("  pub <topic> <message> [qos] - Publish a message")
	fmt.Println()
	fmt.Println("  ping                        - Send a PINGREQ")
	fmt.Println("  help / h                    - Show this help")
	fmt.Println("  exit / quit / q             - Exit the client")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("\n💡 Examples:")
	fmt.Println("  sub devices/room1/temperature 1")
	fmt.Println("  pub devices/room1/temperature 25.5 1")
	fmt.Println()
}
