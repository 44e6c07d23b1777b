// Package sefaz resolves the authorizing webservice for a UF, environment
// and contingency mode, and normalizes its heterogeneous replies.
//
// Reference:
// https://www.cte.fazenda.gov.br/portal/webServices.aspx
// https://dfe-portal.svrs.rs.gov.br/Mdfe/Servicos
package sefaz

import (
	"fmt"
	"strings"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// Action identifies one webservice operation.
type Action string

const (
	ActionAuthorizeCte  Action = "autorizar_cte"
	ActionConsultCte    Action = "consultar_cte"
	ActionCancelCte     Action = "cancelar_cte"
	ActionStatusCte     Action = "status_cte"
	ActionAuthorizeMdfe Action = "autorizar_mdfe"
	ActionConsultMdfe   Action = "consultar_mdfe"
	ActionCancelMdfe    Action = "cancelar_mdfe"
	ActionCloseMdfe     Action = "encerrar_mdfe"
	ActionStatusMdfe    Action = "status_mdfe"
)

// Endpoints holds the service URLs of one gateway.
type Endpoints struct {
	CteAuthorization  string
	CteConsult        string
	CteEvent          string
	CteServiceStatus  string
	MdfeAuthorization string
	MdfeConsult       string
	MdfeEvent         string
	MdfeServiceStatus string
	MdfeClosing       string
}

// MDF-e is always served by SVRS, regardless of the CT-e gateway.
func withSvrsMdfe(e Endpoints, svrs Endpoints) Endpoints {
	e.MdfeAuthorization = svrs.MdfeAuthorization
	e.MdfeConsult = svrs.MdfeConsult
	e.MdfeEvent = svrs.MdfeEvent
	e.MdfeServiceStatus = svrs.MdfeServiceStatus
	e.MdfeClosing = svrs.MdfeClosing
	return e
}

var svrsHomolog = Endpoints{
	CteAuthorization:  "https://cte-homologacao.svrs.rs.gov.br/ws/cterecepcao/CTeRecepcao.asmx",
	CteConsult:        "https://cte-homologacao.svrs.rs.gov.br/ws/cteconsulta/CTeConsulta.asmx",
	CteEvent:          "https://cte-homologacao.svrs.rs.gov.br/ws/cterecepcaoevento/CTeRecepcaoEvento.asmx",
	CteServiceStatus:  "https://cte-homologacao.svrs.rs.gov.br/ws/ctestatusservico/CTeStatusServico.asmx",
	MdfeAuthorization: "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeRecepcaoSinc/MDFeRecepcaoSinc.asmx",
	MdfeConsult:       "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeConsulta/MDFeConsulta.asmx",
	MdfeEvent:         "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
	MdfeServiceStatus: "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeStatusServico/MDFeStatusServico.asmx",
	MdfeClosing:       "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
}

var svrsProd = Endpoints{
	CteAuthorization:  "https://cte.svrs.rs.gov.br/ws/cterecepcao/CTeRecepcao.asmx",
	CteConsult:        "https://cte.svrs.rs.gov.br/ws/cteconsulta/CTeConsulta.asmx",
	CteEvent:          "https://cte.svrs.rs.gov.br/ws/cterecepcaoevento/CTeRecepcaoEvento.asmx",
	CteServiceStatus:  "https://cte.svrs.rs.gov.br/ws/ctestatusservico/CTeStatusServico.asmx",
	MdfeAuthorization: "https://mdfe.svrs.rs.gov.br/ws/MDFeRecepcaoSinc/MDFeRecepcaoSinc.asmx",
	MdfeConsult:       "https://mdfe.svrs.rs.gov.br/ws/MDFeConsulta/MDFeConsulta.asmx",
	MdfeEvent:         "https://mdfe.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
	MdfeServiceStatus: "https://mdfe.svrs.rs.gov.br/ws/MDFeStatusServico/MDFeStatusServico.asmx",
	MdfeClosing:       "https://mdfe.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
}

func dedicatedCte(base string, svrs Endpoints) Endpoints {
	return withSvrsMdfe(Endpoints{
		CteAuthorization: base + "CTeRecepcao.asmx",
		CteConsult:       base + "CTeConsulta.asmx",
		CteEvent:         base + "CTeRecepcaoEvento.asmx",
		CteServiceStatus: base + "CTeStatusServico.asmx",
	}, svrs)
}

// UFs with dedicated CT-e gateways; every other UF is served by SVRS.
var dedicatedHomolog = map[string]Endpoints{
	"SP": dedicatedCte("https://homologacao.nfe.fazenda.sp.gov.br/cteWEB/services/", svrsHomolog),
	"MG": dedicatedCte("https://hcte.fazenda.mg.gov.br/cte/services/", svrsHomolog),
	"MT": dedicatedCte("https://homologacao.sefaz.mt.gov.br/ctews/services/", svrsHomolog),
	"MS": dedicatedCte("https://homologacao.cte.ms.gov.br/services/", svrsHomolog),
	"PR": dedicatedCte("https://homologacao.cte.fazenda.pr.gov.br/cte/", svrsHomolog),
}

var dedicatedProd = map[string]Endpoints{
	"SP": dedicatedCte("https://nfe.fazenda.sp.gov.br/cteWEB/services/", svrsProd),
	"MG": dedicatedCte("https://cte.fazenda.mg.gov.br/cte/services/", svrsProd),
	"MT": dedicatedCte("https://cte.sefaz.mt.gov.br/ctews/services/", svrsProd),
	"MS": dedicatedCte("https://producao.cte.ms.gov.br/services/", svrsProd),
	"PR": dedicatedCte("https://cte.fazenda.pr.gov.br/cte/", svrsProd),
}

// SVC-AN, the national contingency gateway. MDF-e stays on SVRS.
var svcANHomolog = withSvrsMdfe(Endpoints{
	CteAuthorization: "https://cte-homologacao.svc.fazenda.gov.br/ws/cterecepcao/CTeRecepcao.asmx",
	CteConsult:       "https://cte-homologacao.svc.fazenda.gov.br/ws/cteconsulta/CTeConsulta.asmx",
	CteEvent:         "https://cte-homologacao.svc.fazenda.gov.br/ws/cterecepcaoevento/CTeRecepcaoEvento.asmx",
	CteServiceStatus: "https://cte-homologacao.svc.fazenda.gov.br/ws/ctestatusservico/CTeStatusServico.asmx",
}, svrsHomolog)

var svcANProd = withSvrsMdfe(Endpoints{
	CteAuthorization: "https://cte.svc.fazenda.gov.br/ws/cterecepcao/CTeRecepcao.asmx",
	CteConsult:       "https://cte.svc.fazenda.gov.br/ws/cteconsulta/CTeConsulta.asmx",
	CteEvent:         "https://cte.svc.fazenda.gov.br/ws/cterecepcaoevento/CTeRecepcaoEvento.asmx",
	CteServiceStatus: "https://cte.svc.fazenda.gov.br/ws/ctestatusservico/CTeStatusServico.asmx",
}, svrsProd)

// svcANUFs escalate to the national virtual service; all others go to
// SVC-RS. Kept as data: the topology changes independently of code.
var svcANUFs = map[string]bool{
	"SP": true, "MG": true, "MS": true, "MT": true, "PR": true,
}

// EscalationTarget returns the contingency mode a UF fails over to.
func EscalationTarget(uf string) domain.ContingencyMode {
	if svcANUFs[strings.ToUpper(uf)] {
		return domain.ContingencySvcAN
	}
	return domain.ContingencySvcRS
}

// ResolveEndpoints returns the gateway for a UF, environment and
// contingency mode. A non-normal mode overrides the UF entirely.
func ResolveEndpoints(uf string, env domain.Environment, mode domain.ContingencyMode) Endpoints {
	prod := env == domain.EnvironmentProduction

	switch mode {
	case domain.ContingencySvcAN:
		if prod {
			return svcANProd
		}
		return svcANHomolog
	case domain.ContingencySvcRS:
		// SVC-RS is hosted on the SVRS infrastructure.
		if prod {
			return svrsProd
		}
		return svrsHomolog
	}

	dedicated := dedicatedHomolog
	fallback := svrsHomolog
	if prod {
		dedicated = dedicatedProd
		fallback = svrsProd
	}
	if e, ok := dedicated[strings.ToUpper(uf)]; ok {
		return e
	}
	return fallback
}

// ResolveURL returns the concrete service URL for one action.
func ResolveURL(uf string, env domain.Environment, action Action, mode domain.ContingencyMode) (string, error) {
	e := ResolveEndpoints(uf, env, mode)
	switch action {
	case ActionAuthorizeCte:
		return e.CteAuthorization, nil
	case ActionConsultCte:
		return e.CteConsult, nil
	case ActionCancelCte:
		return e.CteEvent, nil
	case ActionStatusCte:
		return e.CteServiceStatus, nil
	case ActionAuthorizeMdfe:
		return e.MdfeAuthorization, nil
	case ActionConsultMdfe:
		return e.MdfeConsult, nil
	case ActionCancelMdfe:
		return e.MdfeEvent, nil
	case ActionCloseMdfe:
		return e.MdfeClosing, nil
	case ActionStatusMdfe:
		return e.MdfeServiceStatus, nil
	}
	return "", fmt.Errorf("unknown action %q", action)
}

// ufCodes maps UF to its IBGE numeric code, required in the outbound payload.
var ufCodes = map[string]string{
	"AC": "12", "AL": "27", "AM": "13", "AP": "16", "BA": "29", "CE": "23",
	"DF": "53", "ES": "32", "GO": "52", "MA": "21", "MG": "31", "MS": "50",
	"MT": "51", "PA": "15", "PB": "25", "PE": "26", "PI": "22", "PR": "41",
	"RJ": "33", "RN": "24", "RO": "11", "RR": "14", "RS": "43", "SC": "42",
	"SE": "28", "SP": "35", "TO": "17",
}

// UFCode returns the IBGE code of a UF, or an error for unknown UFs.
func UFCode(uf string) (string, error) {
	if code, ok := ufCodes[strings.ToUpper(uf)]; ok {
		return code, nil
	}
	return "", fmt.Errorf("unknown UF %q", uf)
}

// EnvironmentCode returns the tpAmb flag: 1 for production, 2 for homologation.
func EnvironmentCode(env domain.Environment) string {
	if env == domain.EnvironmentProduction {
		return "1"
	}
	return "2"
}

// Authority status codes that mean the service itself is down.
var offlineStatusCodes = map[string]bool{
	"108": true, "109": true, "999": true,
}

var offlinePatterns = []string{
	"timeout", "timed out", "connection refused", "econnrefused",
	"service unavailable", "503", "502", "504",
	"serviço indisponível", "fora do ar",
}

// IsOfflineSignal reports whether a status code or message matches the
// authority-offline patterns that trigger contingency escalation.
func IsOfflineSignal(status, message string) bool {
	if offlineStatusCodes[status] {
		return true
	}
	lower := strings.ToLower(message)
	for _, p := range offlinePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
