package portfolio

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"dnbwatch/internal/domain"
)

// LoadRegistrationFile reads a YAML registration definition. Unknown keys
// are rejected.
func LoadRegistrationFile(path string) (domain.Registration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.Registration{}, err
	}
	var reg domain.Registration
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil {
		return domain.Registration{}, fmt.Errorf("%s: %w", path, err)
	}
	reg.Normalize()
	if err := reg.Validate(); err != nil {
		return domain.Registration{}, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// ReadDUNSFile reads one id per line. Blank lines and lines starting with
// '#' are ignored; commas also separate ids. Ids are not validated here.
func ReadDUNSFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, id := range strings.Split(line, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out, sc.Err()
}

// Template returns a predefined registration shape.
func Template(name, ref string, duns []string) (domain.Registration, error) {
	reg := domain.Registration{Reference: ref, Subjects: duns}
	switch strings.ToLower(name) {
	case "standard", "":
		reg.DataBlocks = []string{"companyinfo_L2_v1", "principalscontacts_L1_v1", "hierarchyconnections_L1_v1"}
		reg.JSONPathInclusion = []string{
			"organization.primaryName",
			"organization.registeredAddress",
			"organization.telephone",
			"organization.websiteAddress",
			"organization.primaryIndustryCode",
		}
	case "financial":
		reg.DataBlocks = []string{"companyfinancials_L1_v1", "paymentinsights_L1_v1", "financialstrengthinsight_L2_v1"}
		reg.JSONPathInclusion = []string{
			"organization.financials",
			"organization.paymentExperiences",
			"organization.riskAssessment",
		}
	default:
		return domain.Registration{}, fmt.Errorf("%w: unknown template %q", domain.ErrInvalidRegistration, name)
	}
	reg.Normalize()
	return reg, reg.Validate()
}
