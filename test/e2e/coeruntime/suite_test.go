// Package coeruntime_test runs the end-to-end scenarios of spec.md §8
// against pkg/kernel/simkernel, in the teacher's own Ginkgo/Gomega style.
package coeruntime_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCoeruntimeE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "coeruntime end-to-end suite")
}
