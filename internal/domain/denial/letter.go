package denial

import (
	"strconv"
	"strings"

	"github.com/rcm/rcm/internal/domain/claims"
)

// AppealLevel selects the salutation of a generated appeal letter.
type AppealLevel string

const (
	AppealFirst  AppealLevel = "first"
	AppealSecond AppealLevel = "second"
)

const appealTemplate = `[DATE]

{{payer}}
[PAYER ADDRESS]

Re: {{level}}-Level Appeal for Claim #{{claim_number}}
Patient: {{patient}}
Date of Service: {{date_of_service}}
Billed Amount: ${{amount}}

Dear Appeals Department,

We are writing to appeal the denial of the above-referenced claim, which was denied with reason code {{denial_code}}: {{denial_reason}}.

{{recommendation}}

We respectfully request reconsideration of this claim based on the following:

1. Medical Necessity: The services provided were medically necessary and appropriate for the patient's condition.

2. Documentation: We have attached the supporting documentation listed below.

3. Policy Compliance: The services rendered are consistent with the terms of our contract and your coverage policies.

We request that you review this claim and process payment for the services rendered. If you require any additional information, please contact our office.

Sincerely,

[PROVIDER NAME]
[CONTACT INFORMATION]

Attachments: {{attachments}}
`

// AppealLetter fills the standard appeal letter for c. Bracketed fields are
// left for the biller to complete.
func AppealLetter(c *claims.Claim, r Result, level AppealLevel) string {
	if level == "" {
		level = AppealFirst
	}
	reason := c.DenialReason
	if reason == "" {
		reason = r.Reason
	}
	code := r.DenialCode
	if code == "" {
		code = "N/A"
	}
	rep := strings.NewReplacer(
		"{{payer}}", c.PayerName,
		"{{level}}", strings.ToUpper(string(level[:1]))+string(level[1:]),
		"{{claim_number}}", c.ClaimNumber,
		"{{patient}}", c.PatientName,
		"{{date_of_service}}", c.DateOfService.Format("2006-01-02"),
		"{{amount}}", strconv.FormatFloat(c.TotalCharge, 'f', 2, 64),
		"{{denial_code}}", code,
		"{{denial_reason}}", reason,
		"{{recommendation}}", r.AppealStrategy+".",
		"{{attachments}}", strings.Join(r.RequiredDocumentation, ", "),
	)
	return rep.Replace(appealTemplate)
}
