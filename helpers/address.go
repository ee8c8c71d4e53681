package helpers

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 compliant email validation regex
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated, lowercased email address.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) String() string {
	return a.fullAddress
}

// ParseAddress normalizes and validates a subscriber or list address.
// Unlike login names, plus-detail is kept as part of the address since
// list subscriptions are per delivery address.
func ParseAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))

	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}

	parts := strings.Split(input, "@")
	if len(parts) < 2 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	if len(parts) > 2 {
		return Address{}, fmt.Errorf("too many @ symbols in address: '%s'", input)
	}

	localPart, domain := parts[0], parts[1]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}

	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
	}, nil
}

// NormalizeAddress returns the canonical form of an address or an error if
// it cannot be parsed.
func NormalizeAddress(input string) (string, error) {
	a, err := ParseAddress(input)
	if err != nil {
		return "", err
	}
	return a.FullAddress(), nil
}
