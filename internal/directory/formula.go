package directory

import (
	"strings"
	"time"

	"github.com/dukerupert/gptpaywall/internal/model"
)

// Formula compiles f into an Airtable filterByFormula expression. Every
// value is emitted as an escaped string literal, so filter values cannot
// alter the structure of the formula.
func Formula(f Filter) string {
	var terms []string
	if f.Email != "" {
		terms = append(terms, "LOWER({"+fieldEmail+"}) = "+quote(model.NormalizeEmail(f.Email)))
	}
	if f.StripeCustomerID != "" {
		terms = append(terms, "{"+fieldStripeCustomerID+"} = "+quote(f.StripeCustomerID))
	}
	if f.Status != "" {
		terms = append(terms, "{"+fieldStatus+"} = "+quote(f.Status))
	}
	if f.Plan != "" {
		terms = append(terms, "{"+fieldPlan+"} = "+quote(f.Plan))
	}
	if f.CreatedAfter != nil {
		terms = append(terms, "IS_AFTER({"+fieldCreatedAt+"}, "+quote(f.CreatedAfter.UTC().Format(time.RFC3339))+")")
	}
	if f.CreatedBefore != nil {
		terms = append(terms, "IS_BEFORE({"+fieldCreatedAt+"}, "+quote(f.CreatedBefore.UTC().Format(time.RFC3339))+")")
	}

	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	default:
		return "AND(" + strings.Join(terms, ", ") + ")"
	}
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)

func quote(s string) string {
	return "'" + literalEscaper.Replace(s) + "'"
}
