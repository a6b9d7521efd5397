package config_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("AppConfig", func() {
	var origXDG string

	BeforeEach(func() {
		origXDG = os.Getenv("XDG_CONFIG_HOME")
		dir, err := os.MkdirTemp("", "ngit-config-test")
		Expect(err).To(BeNil())
		os.Setenv("XDG_CONFIG_HOME", dir)
	})

	AfterEach(func() {
		os.Setenv("XDG_CONFIG_HOME", origXDG)
	})

	It("round-trips a user record through Save/Load", func() {
		cfg, err := config.Load()
		Expect(err).To(BeNil())
		Expect(cfg.Users).To(BeEmpty())

		rec := config.NewUserRecord("abc123", "alice", []string{"wss://relay.example"})
		cfg.UpsertUser(rec)
		Expect(config.Save(cfg)).To(BeNil())

		reloaded, err := config.Load()
		Expect(err).To(BeNil())
		Expect(reloaded.Users).To(HaveKey("abc123"))
		Expect(reloaded.ActivePublicKey).To(Equal("abc123"))

		active, ok := reloaded.Active()
		Expect(ok).To(BeTrue())
		Expect(active.Metadata.Name).To(Equal("alice"))
	})
})
