package eventmodel_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestEventModel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventModel Suite")
}
