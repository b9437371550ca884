// Package seed installs the default GRC roles, forms and review templates.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"github.com/songzhibin97/ticketflow/workflow"
	"go.uber.org/zap"
)

// Role codes of the GRC review chain.
const (
	RiskRepresentative = "RR"
	RiskChampion       = "RC"
	RiskApprover       = "RA"
	ChiefRiskOfficer   = "CRO"
)

var roles = []struct{ code, name string }{
	{RiskRepresentative, "Risk Representative"},
	{RiskChampion, "Risk Champion"},
	{RiskApprover, "Risk Approver"},
	{ChiefRiskOfficer, "CRO"},
}

var labels = map[string][2]string{
	RiskRepresentative: {"Risk Representative Decision", "Risk Representative Comment"},
	RiskChampion:       {"Risk Champion Decision", "Risk Champion Comment"},
	RiskApprover:       {"Risk Approver Decision", "Risk Approver Comment"},
	ChiefRiskOfficer:   {"CRO Decision", "CRO Comment"},
}

// Labels returns the decision and comment captions shown to a role.
func Labels(roleCode string) (decision, comment string) {
	if l, ok := labels[roleCode]; ok {
		return l[0], l[1]
	}
	return "Decision", "Comment"
}

// fieldRow is label, kind, required, help text, comma-separated choices.
type fieldRow struct {
	label    string
	kind     string
	required bool
	help     string
	choices  string
}

var riskFields = []fieldRow{
	{"Risk ID", "text", true, "e.g., RISK-2025-0001 (or auto)", ""},
	{"Business Unit", "select", true, "Select BU", "Agency,Applied Intelligence,Board Secretariat,Branch Services,Business Excellence,Business Office,Compliance,Consumer GI Operations,Contact Centre,Corporate Affairs,Customer Care Shared Services,Customer Engagement,Data Analytics,Digital Office,Distribution Middle Office,Technology Services"},
	{"Level 1 Risk Category", "select", true, "Top level risk class", "Legal, Regulatory & Reputational Risk|Operational Risk|Sustainability Risk|Technology Risk"},
	{"Level 2 Risk Type", "select", true, "Filtered by Level 1", "Communication & Brand,Corporate Governance,Financial Crime,Business Continuity,Claims,Data Governance,Underwriting,Environmental,Governance,Social,Cyber Security"},
	{"Risk Description", "textarea", true, "", ""},
	{"Impact Rating", "select", true, "", "Very Significant,Significant,Moderate,Minor"},
	{"Impact Rating Justification", "textarea", false, "", ""},
	{"Likelihood Rating", "select", true, "", "Very Likely,Likely,Possible,Rare"},
	{"Likelihood Rating Justification", "textarea", false, "", ""},
	{"Inherent Risk Level (calculated)", "text", false, "Filled by rule/script", ""},
	{"Residual Risk Level (calculated)", "text", false, "Filled by rule/script", ""},
	{"Overall Control Effectiveness (calculated)", "text", false, "Filled by rule/script", ""},
	{"Risk Owner", "text", false, "User name/email", ""},
	{"Risk Representative (RR)", "text", false, "Auto by BU or choose", ""},
	{"Risk Champion (RC)", "text", false, "", ""},
	{"Risk Approver (RA)", "text", false, "", ""},
	{"CRO", "text", false, "", ""},
	{"Attachments", "file", false, "", ""},
}

var controlFields = []fieldRow{
	{"Control ID", "text", true, "e.g., CTRL-2025-0001", ""},
	{"Control Factor", "select", true, "", "Approval Process & Authorization Limits,Audit/Self-Assessment,System Access/ Controls"},
	{"Sub-Control Factor", "select", true, "Filtered by Control Factor", "Review of legal documents by Legal Team.|2nd level review of scanned documents is done by another staff.|Ad-hoc cash count to verify completeness and accuracy of cash recording|Ad-hoc mystery shopping to audit sales quality, product brochures, etc|Privileged Access Management Solution have been implemented|Privileged accounts are managed via privileged account management system|Remote Access|User Access Review is performed on a half yearly basis|Vendor shall access environment via VDI"},
	{"Control Description", "textarea", true, "", ""},
	{"Control Frequency", "select", false, "", "Daily,Weekly,Monthly,Quarterly,Half Yearly,Yearly"},
	{"Control Owner", "text", false, "User name/email", ""},
	{"Control Operating Effectively", "select", false, "", "Yes,Needs minor improvement,Needs improvement,No,N/A"},
	{"Number of Samples Tested", "text", false, "Numeric", ""},
	{"Number of Samples where Objective is met", "text", false, "Numeric", ""},
	{"Control documentation and up-to-date", "select", false, "", "Yes,Needs minor improvement,Needs improvement,No,N/A"},
	{"Number of Samples Tested (Doc)", "text", false, "Numeric", ""},
	{"Number of Samples met (Doc)", "text", false, "Numeric", ""},
	{"Attachments", "file", false, "", ""},
}

type stageRow struct {
	title string
	role  string
}

var templates = []struct {
	name   string
	stages []stageRow
}{
	{"Risk Review", []stageRow{
		{"RR Review", RiskRepresentative},
		{"RC Review", RiskChampion},
		{"RA Approval", RiskApprover},
		{"CRO Approval", ChiefRiskOfficer},
	}},
	{"Control Review", []stageRow{
		{"RC Review", RiskChampion},
		{"RA Approval", RiskApprover},
	}},
}

// Result holds the seeded entities keyed by role code, form slug and template name.
type Result struct {
	Roles     map[string]types.Role
	Forms     map[string]types.Form
	Templates map[string]types.WorkflowTemplate
}

// Apply creates whatever of the default data is missing. Existing roles (by code),
// forms (by slug) and templates (by name) are left untouched.
func Apply(ctx context.Context, engine *workflow.Engine, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := engine.Storage()
	res := Result{
		Roles:     make(map[string]types.Role),
		Forms:     make(map[string]types.Form),
		Templates: make(map[string]types.WorkflowTemplate),
	}

	existingRoles, err := store.ListRoles(ctx)
	if err != nil {
		return res, err
	}
	for _, r := range existingRoles {
		res.Roles[r.Code] = r
	}
	for _, r := range roles {
		if _, ok := res.Roles[r.code]; ok {
			continue
		}
		role, err := engine.RegisterRole(ctx, r.name, r.code)
		if err != nil {
			return res, fmt.Errorf("seed role %s: %w", r.code, err)
		}
		res.Roles[r.code] = role
		logger.Info("seeded role", zap.String("code", r.code))
	}

	for _, f := range []struct {
		name, slug string
		rows       []fieldRow
	}{
		{"Risk", "risk", riskFields},
		{"Control", "control", controlFields},
	} {
		form, err := store.GetFormBySlug(ctx, f.slug)
		if errors.Is(err, storage.ErrNotFound) {
			form, err = buildForm(f.name, f.slug, f.rows)
			if err != nil {
				return res, err
			}
			form, err = engine.RegisterForm(ctx, form)
			if err == nil {
				logger.Info("seeded form", zap.String("slug", f.slug), zap.Int("fields", len(form.Fields)))
			}
		}
		if err != nil {
			return res, fmt.Errorf("seed form %s: %w", f.slug, err)
		}
		res.Forms[f.slug] = form
	}

	existingTemplates, err := store.ListTemplates(ctx)
	if err != nil {
		return res, err
	}
	for _, t := range existingTemplates {
		res.Templates[t.Name] = t
	}
	for _, t := range templates {
		if _, ok := res.Templates[t.name]; ok {
			continue
		}
		tpl := types.WorkflowTemplate{Name: t.name, Active: true}
		for i, s := range t.stages {
			roleID := res.Roles[s.role].ID
			tpl.Steps = append(tpl.Steps, types.WorkflowStep{Position: i, Title: s.title, RoleID: &roleID})
		}
		tpl, err := engine.RegisterTemplate(ctx, tpl)
		if err != nil {
			return res, fmt.Errorf("seed template %s: %w", t.name, err)
		}
		res.Templates[t.name] = tpl
		logger.Info("seeded template", zap.String("name", t.name), zap.Int("steps", len(tpl.Steps)))
	}
	return res, nil
}

func buildForm(name, slug string, rows []fieldRow) (types.Form, error) {
	form := types.Form{Name: name, Slug: slug}
	for i, r := range rows {
		kind, err := types.ParseFieldKind(r.kind)
		if err != nil {
			return types.Form{}, fmt.Errorf("field %q: %w", r.label, err)
		}
		form.Fields = append(form.Fields, types.FormField{
			Label:    r.label,
			Kind:     kind,
			Required: r.required,
			HelpText: r.help,
			Choices:  splitChoices(r.choices),
			Order:    i + 1,
		})
	}
	return form, nil
}

// splitChoices splits on "|" when present so choices may contain commas.
func splitChoices(s string) []string {
	if s == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	var out []string
	for _, c := range strings.Split(s, sep) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
