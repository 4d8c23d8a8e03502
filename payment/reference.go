package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference builds a human-quotable payment reference in the
// PAY-YYYYMMDD-XXXXX format. The suffix is random, not sequential, so
// references leak no volume information.
func NewReference(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:5]
	return fmt.Sprintf("PAY-%s-%s", t.UTC().Format("20060102"), suffix)
}
