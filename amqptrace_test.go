package amqptrace_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/zerofox-oss/go-amqptrace"
)

func TestCloneTable(t *testing.T) {
	original := amqp.Table{
		"a":      "b",
		"n":      int32(3),
		"nested": amqp.Table{"x": "y"},
	}

	clone := amqptrace.CloneTable(original)
	if diff := cmp.Diff(original, clone); diff != "" {
		t.Fatalf("clone differs (-want +got):\n%s", diff)
	}

	clone["a"] = "changed"
	clone["nested"].(amqp.Table)["x"] = "changed"
	clone["new"] = true

	assert.Equal(t, "b", original["a"])
	assert.Equal(t, "y", original["nested"].(amqp.Table)["x"])
	assert.NotContains(t, original, "new")
}

func TestCloneTable_Nil(t *testing.T) {
	clone := amqptrace.CloneTable(nil)
	assert.NotNil(t, clone)
	assert.Empty(t, clone)
}
