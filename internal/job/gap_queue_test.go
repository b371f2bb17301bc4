package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/registry-scanner/internal/models"
)

func gapAt(id string, to time.Time, estimated int) models.Gap {
	return models.Gap{
		ID:               id,
		Partition:        models.Partition{Jurisdiction: "0301", From: to.AddDate(0, -1, 0), To: to},
		EstimatedRecords: estimated,
	}
}

func TestGapQueue_Order(t *testing.T) {
	older := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q := NewGapQueue([]models.Gap{
		gapAt("a", older, 50000),
		gapAt("b", newer, 10),
		gapAt("c", newer, 900),
	})
	q.Push(gapAt("d", older, 60000))

	var order []string
	for q.Len() > 0 {
		g, ok := q.Pop()
		assert.True(t, ok)
		order = append(order, g.ID)
	}
	assert.Equal(t, []string{"c", "b", "d", "a"}, order)

	_, ok := q.Pop()
	assert.False(t, ok)
}
