package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zindgh/mqtt-broker/internal/broker"
	"github.com/zindgh/mqtt-broker/internal/config"
	"github.com/zindgh/mqtt-broker/internal/mqtt"
	"github.com/zindgh/mqtt-broker/internal/mqttclient"
	"github.com/zindgh/mqtt-broker/internal/server"
	"github.com/zindgh/mqtt-broker/internal/store"
)

// generateTestCert writes a self-signed 127.0.0.1 certificate/key pair to
// dir, the same recipe internal/server/server_test.go uses, grounded on
// haivivi-giztoy/go/pkg/mqtt0/broker_test.go's generateTestCert.
func generateTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"mqtt-broker test"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	defer certOut.Close()
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer keyOut.Close()
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPath, keyPath
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startTestServer builds a full broker stack (credential store, client
// log, mediator, TLS server) rooted under a fresh temp directory and
// starts it, returning the dial address and the credential store;
// teardown is registered with t.Cleanup.
func startTestServer(t *testing.T) (addr string, creds *store.CredentialStore) {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:             "127.0.0.1",
			Port:             freePort(t),
			HandshakeTimeout: 2 * time.Second,
			SafetyOfftime:    2 * time.Second,
		},
		TLS:     config.TLSConfig{CertFile: certPath, KeyFile: keyPath},
		Storage: config.StorageConfig{ClientDataDir: filepath.Join(dir, "clients")},
		Auth:    config.AuthConfig{UserStorePath: filepath.Join(dir, "users")},
		Limits:  config.LimitsConfig{MaxClients: 100},
		QoS:     config.QoSConfig{MaxQoS: 2, AckRetryBase: 50 * time.Millisecond, AckMaxRetries: 3, StateSweepInterval: time.Second},
	}

	var err error
	creds, err = store.NewCredentialStore(cfg.Auth.UserStorePath)
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}
	clientLog, err := store.NewClientLog(cfg.Storage.ClientDataDir)
	if err != nil {
		t.Fatalf("client log: %v", err)
	}
	mediator := broker.NewMediator(creds, clientLog, cfg.QoS.AckRetryBase, cfg.QoS.AckMaxRetries,
		cfg.QoS.AckRetryBase*8, cfg.Server.HandshakeTimeout, cfg.Server.SafetyOfftime, cfg.QoS.StateSweepInterval)

	srv, err := server.New(cfg, mediator)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	observerStop := make(chan struct{})
	go mediator.Observer(observerStop)
	go mediator.SweepSessions(observerStop)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		close(observerStop)
		if err := srv.Stop(); err != nil {
			t.Errorf("stop server: %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server.Start returned: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop in time")
		}
	})
	time.Sleep(50 * time.Millisecond)

	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), creds
}

var insecureTLS = &tls.Config{InsecureSkipVerify: true}

func mustDial(t *testing.T, addr string, opts mqttclient.Options) (*mqttclient.Client, *mqtt.ConnAck) {
	t.Helper()
	c, ack, err := mqttclient.Dial(addr, insecureTLS, opts)
	if err != nil {
		t.Fatalf("dial %s: %v", opts.ClientID, err)
	}
	return c, ack
}

// TestHelloPublishQoS0 covers the simplest end-to-end scenario from
// spec §8: a subscriber sees a QoS 0 publish on its exact topic.
func TestHelloPublishQoS0(t *testing.T) {
	addr, _ := startTestServer(t)

	sub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "hello-sub", CleanStart: true, KeepAlive: 30})
	defer sub.Close()
	if _, err := sub.Subscribe("hello/world", mqtt.QoS0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "hello-pub", CleanStart: true, KeepAlive: 30})
	defer pub.Close()
	if err := pub.Publish("hello/world", []byte("hi"), mqtt.QoS0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub.SetDeadline(time.Now().Add(3 * time.Second))
	pkt, err := sub.ReadPacket()
	if err != nil {
		t.Fatalf("read delivered publish: %v", err)
	}
	if pkt.Publish == nil || string(pkt.Publish.Payload) != "hi" || pkt.Publish.Topic != "hello/world" {
		t.Fatalf("unexpected delivered packet: %+v", pkt.Publish)
	}
}

// TestQoS1RoundTrip covers spec §4.10's QoS 1 flow: subscriber acks with
// PUBACK, and the publisher receives its own PUBACK back once the
// subscriber's delivery succeeds.
func TestQoS1RoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)

	sub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "qos1-sub", CleanStart: true, KeepAlive: 30})
	defer sub.Close()
	if _, err := sub.Subscribe("qos1/topic", mqtt.QoS1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "qos1-pub", CleanStart: true, KeepAlive: 30})
	defer pub.Close()
	if err := pub.Publish("qos1/topic", []byte("payload"), mqtt.QoS1); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub.SetDeadline(time.Now().Add(3 * time.Second))
	pkt, err := sub.ReadPacket()
	if err != nil {
		t.Fatalf("subscriber read: %v", err)
	}
	if pkt.Publish == nil || pkt.Publish.QoS != mqtt.QoS1 {
		t.Fatalf("expected a qos1 publish, got %+v", pkt)
	}
	if err := sub.Ack(mqtt.PUBACK, pkt.Publish.PacketID); err != nil {
		t.Fatalf("ack delivered publish: %v", err)
	}

	pub.SetDeadline(time.Now().Add(3 * time.Second))
	ackPkt, err := pub.ReadPacket()
	if err != nil {
		t.Fatalf("publisher read puback: %v", err)
	}
	if ackPkt.PubAck == nil || ackPkt.Header.Type != mqtt.PUBACK {
		t.Fatalf("expected PUBACK back to publisher, got %+v", ackPkt)
	}
}

// TestQoSDowngrade covers spec §4.10's per-subscriber QoS downgrade: a
// QoS 2 publish delivered to a subscriber that only requested QoS 0
// arrives with QoS 0.
func TestQoSDowngrade(t *testing.T) {
	addr, _ := startTestServer(t)

	sub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "downgrade-sub", CleanStart: true, KeepAlive: 30})
	defer sub.Close()
	if _, err := sub.Subscribe("downgrade/topic", mqtt.QoS0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "downgrade-pub", CleanStart: true, KeepAlive: 30})
	defer pub.Close()
	if err := pub.Publish("downgrade/topic", []byte("payload"), mqtt.QoS2); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub.SetDeadline(time.Now().Add(3 * time.Second))
	pkt, err := sub.ReadPacket()
	if err != nil {
		t.Fatalf("subscriber read: %v", err)
	}
	if pkt.Publish == nil || pkt.Publish.QoS != mqtt.QoS0 {
		t.Fatalf("expected delivery downgraded to qos0, got %+v", pkt.Publish)
	}
}

// TestAuthRejection covers spec §4.7: a CONNECT for a known username
// with a password that does not match the stored credential is refused.
func TestAuthRejection(t *testing.T) {
	addr, creds := startTestServer(t)
	if err := creds.Create("bob", []byte("s3cret")); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	_, _, err := mqttclient.Dial(addr, insecureTLS, mqttclient.Options{
		ClientID: "unauthorized-client",
		Username: "bob",
		Password: []byte("not-the-password"),
		HasAuth:  true,
	})
	if err == nil {
		t.Fatal("expected connect with an unknown/wrong credential to be refused")
	}
}

// TestSessionResume covers spec §4.2/§4.7: a client that reconnects with
// CleanStart=false before its session expiry elapses gets its prior
// subscriptions restored without resubscribing.
func TestSessionResume(t *testing.T) {
	addr, _ := startTestServer(t)

	first, ack := mustDial(t, addr, mqttclient.Options{
		ClientID:              "resume-client",
		CleanStart:            false,
		KeepAlive:             30,
		SessionExpiryInterval: 300,
	})
	if ack.SessionPresent {
		t.Fatal("expected no prior session on first connect")
	}
	if _, err := first.Subscribe("resume/topic", mqtt.QoS1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// A graceful DISCONNECT leaves the session's ttl elevated so it
	// can be resumed; an abrupt drop kills it immediately instead
	// (internal/broker.Driver.Run's EOF handling).
	first.Disconnect(mqtt.ReasonSuccess)

	time.Sleep(100 * time.Millisecond)

	second, ack2 := mustDial(t, addr, mqttclient.Options{ClientID: "resume-client", KeepAlive: 30})
	defer second.Close()
	if !ack2.SessionPresent {
		t.Fatal("expected session-present true on resume")
	}

	pub, _ := mustDial(t, addr, mqttclient.Options{ClientID: "resume-pub", CleanStart: true, KeepAlive: 30})
	defer pub.Close()
	if err := pub.Publish("resume/topic", []byte("still subscribed"), mqtt.QoS0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	second.SetDeadline(time.Now().Add(3 * time.Second))
	pkt, err := second.ReadPacket()
	if err != nil {
		t.Fatalf("resumed client did not receive publish on its restored subscription: %v", err)
	}
	if pkt.Publish == nil || string(pkt.Publish.Payload) != "still subscribed" {
		t.Fatalf("unexpected packet after resume: %+v", pkt.Publish)
	}
}
