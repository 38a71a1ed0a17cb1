package scenario

import (
	"context"
	"fmt"
	"maps"

	"stagehand/internal/agent"
	"stagehand/internal/core"
	"stagehand/internal/flow"
	apihttp "stagehand/internal/http"
)

// Scenario variable keys.
const (
	varLongFormDID          = "longFormDid"
	varDID                  = "did"
	varSchema               = "schema"
	varHolderDID            = "holderDid"
	varConnectionWithHolder = "connectionWithHolder"
	varConnectionWithIssuer = "connectionWithIssuer"
	varIssuerRecord         = "issuerRecord"
	varHolderRecord         = "holderRecord"
)

// DefaultClaims are offered when no claims data source is configured.
var DefaultClaims = map[string]any{"name": "automation", "age": 25}

func init() {
	Register(Definition{
		Name:        "did-create",
		Description: "Issuer creates an unpublished DID",
		Roles:       issuerOnly,
		Iteration:   didCreate,
	})
	Register(Definition{
		Name:        "did-publish",
		Description: "Issuer creates and publishes a DID",
		Roles:       issuerOnly,
		Iteration:   didPublish,
	})
	Register(Definition{
		Name:        "schema",
		Description: "Issuer registers a credential schema under a published DID",
		Roles:       issuerOnly,
		Setup:       schemaSetup,
		Iteration:   schemaIteration,
	})
	Register(Definition{
		Name:        "connection",
		Description: "Issuer and Holder establish a connection",
		Roles:       issuerAndHolder,
		Iteration:   connection,
	})
	Register(Definition{
		Name:        "issuance",
		Description: "Issuer offers and issues a credential to a connected Holder",
		Roles:       issuerAndHolder,
		Setup:       issuanceSetup,
		Iteration:   issuanceIteration,
	})
	Register(Definition{
		Name:        "custom",
		Description: "Request steps declared in configuration",
		Roles:       stepActors,
		Iteration:   custom,
	})
}

func issuerOnly(env Env) []string { return []string{env.Issuer} }

func issuerAndHolder(env Env) []string { return []string{env.Issuer, env.Holder} }

func stepActors(env Env) []string {
	roles := make([]string, 0, len(env.Steps))
	for _, st := range env.Steps {
		roles = append(roles, st.Actor)
	}
	return roles
}

func createDID(d *flow.Driver, issuer *agent.Agent) {
	d.Then("Issuer creates unpublished DID", issuer.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		did, err := issuer.CreateUnpublishedDID(ctx)
		if err != nil {
			return err
		}
		vars.Set(varLongFormDID, did)
		return nil
	})
}

func publishDID(d *flow.Driver, issuer *agent.Agent) {
	d.Then("Issuer publishes DID", issuer.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		long, err := core.GetString(vars, varLongFormDID)
		if err != nil {
			return err
		}
		did, err := issuer.PublishDID(ctx, long)
		if err != nil {
			return err
		}
		vars.Set(varDID, did)
		return nil
	})
}

// connect appends the four steps that take issuer and holder from a fresh
// invitation to a finalized connection on both sides.
func connect(d *flow.Driver, issuer, holder *agent.Agent) {
	d.Then("Issuer creates connection", issuer.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		conn, err := issuer.CreateInvitation(ctx, "connection with "+holder.Actor.Name())
		if err != nil {
			return err
		}
		vars.Set(varConnectionWithHolder, conn)
		return nil
	})
	d.Then("Holder accepts connection", holder.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		inv, err := get[agent.Connection](vars, varConnectionWithHolder)
		if err != nil {
			return err
		}
		conn, err := holder.AcceptInvitation(ctx, inv.Invitation.InvitationURL)
		if err != nil {
			return err
		}
		vars.Set(varConnectionWithIssuer, conn)
		return nil
	})
	d.Then("Issuer finalizes connection", issuer.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		conn, err := get[agent.Connection](vars, varConnectionWithHolder)
		if err != nil {
			return err
		}
		conn, err = issuer.WaitConnectionState(ctx, conn, agent.StateConnectionResponseSent)
		if err != nil {
			return err
		}
		vars.Set(varConnectionWithHolder, conn)
		return nil
	})
	d.Then("Holder finalizes connection", holder.Actor.Name(), func(ctx context.Context, vars core.Variables) error {
		conn, err := get[agent.Connection](vars, varConnectionWithIssuer)
		if err != nil {
			return err
		}
		conn, err = holder.WaitConnectionState(ctx, conn, agent.StateConnectionResponseReceived)
		if err != nil {
			return err
		}
		vars.Set(varConnectionWithIssuer, conn)
		return nil
	})
}

func didCreate(env Env, _ core.SetupData) (*flow.Driver, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	d := flow.New("did-create")
	createDID(d, issuer)
	return d, nil
}

func didPublish(env Env, _ core.SetupData) (*flow.Driver, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	d := flow.New("did-publish")
	createDID(d, issuer)
	publishDID(d, issuer)
	return d, nil
}

// SchemaData is the setup payload of the schema flow.
type SchemaData struct {
	IssuerDID string `json:"issuerDid"`
}

func schemaSetup(ctx context.Context, env Env) (any, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	d := flow.New("schema-setup")
	createDID(d, issuer)
	publishDID(d, issuer)

	vars := core.NewVariables()
	if err := d.Run(ctx, vars); err != nil {
		return nil, err
	}
	did, err := core.GetString(vars, varDID)
	if err != nil {
		return nil, err
	}
	return SchemaData{IssuerDID: did}, nil
}

func schemaIteration(env Env, data core.SetupData) (*flow.Driver, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	var setup SchemaData
	if err := data.Decode(&setup); err != nil {
		return nil, err
	}
	if setup.IssuerDID == "" {
		return nil, fmt.Errorf("schema flow: setup data without issuer DID")
	}
	return flow.New("schema").Then("Issuer creates credential schema", env.Issuer,
		func(ctx context.Context, vars core.Variables) error {
			s, err := issuer.CreateSchema(ctx, setup.IssuerDID)
			if err != nil {
				return err
			}
			vars.Set(varSchema, s)
			return nil
		}), nil
}

func connection(env Env, _ core.SetupData) (*flow.Driver, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	holder, err := env.Agent(env.Holder)
	if err != nil {
		return nil, err
	}
	d := flow.New("connection")
	connect(d, issuer, holder)
	return d, nil
}

// IssuanceData is the setup payload of the issuance flow.
type IssuanceData struct {
	IssuerDID            string           `json:"issuerDid"`
	HolderDID            string           `json:"holderDid"`
	Schema               agent.Schema     `json:"issuerSchema"`
	ConnectionWithHolder agent.Connection `json:"connectionWithHolder"`
	ConnectionWithIssuer agent.Connection `json:"connectionWithIssuer"`
}

func issuanceSetup(ctx context.Context, env Env) (any, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	holder, err := env.Agent(env.Holder)
	if err != nil {
		return nil, err
	}

	d := flow.New("issuance-setup")
	createDID(d, issuer)
	publishDID(d, issuer)
	d.Then("Issuer creates credential schema", env.Issuer, func(ctx context.Context, vars core.Variables) error {
		did, err := core.GetString(vars, varDID)
		if err != nil {
			return err
		}
		s, err := issuer.CreateSchema(ctx, did)
		if err != nil {
			return err
		}
		vars.Set(varSchema, s)
		return nil
	})
	d.Then("Holder creates unpublished DID", env.Holder, func(ctx context.Context, vars core.Variables) error {
		did, err := holder.CreateUnpublishedDID(ctx)
		if err != nil {
			return err
		}
		vars.Set(varHolderDID, did)
		return nil
	})
	connect(d, issuer, holder)

	vars := core.NewVariables()
	if err := d.Run(ctx, vars); err != nil {
		return nil, err
	}

	var out IssuanceData
	if out.IssuerDID, err = core.GetString(vars, varDID); err != nil {
		return nil, err
	}
	if out.HolderDID, err = core.GetString(vars, varHolderDID); err != nil {
		return nil, err
	}
	if out.Schema, err = get[agent.Schema](vars, varSchema); err != nil {
		return nil, err
	}
	if out.ConnectionWithHolder, err = get[agent.Connection](vars, varConnectionWithHolder); err != nil {
		return nil, err
	}
	if out.ConnectionWithIssuer, err = get[agent.Connection](vars, varConnectionWithIssuer); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Env) claims() map[string]any {
	if row := e.Data.Next(e.Claims); row != nil {
		return row
	}
	return maps.Clone(DefaultClaims)
}

func issuanceIteration(env Env, data core.SetupData) (*flow.Driver, error) {
	issuer, err := env.Agent(env.Issuer)
	if err != nil {
		return nil, err
	}
	holder, err := env.Agent(env.Holder)
	if err != nil {
		return nil, err
	}
	var setup IssuanceData
	if err := data.Decode(&setup); err != nil {
		return nil, err
	}
	if setup.ConnectionWithHolder.ConnectionID == "" {
		return nil, fmt.Errorf("issuance flow: setup data without a connection")
	}
	claims := env.claims()

	d := flow.New("issuance")
	d.Then("Issuer creates credential offer", env.Issuer, func(ctx context.Context, vars core.Variables) error {
		rec, err := issuer.OfferCredential(ctx, setup.ConnectionWithHolder.ConnectionID,
			setup.IssuerDID, setup.Schema.GUID, claims)
		if err != nil {
			return err
		}
		rec, err = issuer.WaitCredentialState(ctx, rec, agent.StateOfferSent)
		if err != nil {
			return err
		}
		vars.Set(varIssuerRecord, rec)
		return nil
	})
	d.Then("Holder accepts credential offer", env.Holder, func(ctx context.Context, vars core.Variables) error {
		offer, err := get[agent.Record](vars, varIssuerRecord)
		if err != nil {
			return err
		}
		rec, err := holder.WaitForOffer(ctx, offer.ThreadID)
		if err != nil {
			return err
		}
		rec, err = holder.AcceptOffer(ctx, rec.RecordID, setup.HolderDID)
		if err != nil {
			return err
		}
		vars.Set(varHolderRecord, rec)
		return nil
	})
	d.Then("Issuer issues credential", env.Issuer, func(ctx context.Context, vars core.Variables) error {
		rec, err := get[agent.Record](vars, varIssuerRecord)
		if err != nil {
			return err
		}
		if rec, err = issuer.WaitCredentialState(ctx, rec, agent.StateRequestReceived); err != nil {
			return err
		}
		if _, err = issuer.IssueCredential(ctx, rec.RecordID); err != nil {
			return err
		}
		if rec, err = issuer.WaitCredentialState(ctx, rec, agent.StateCredentialSent); err != nil {
			return err
		}
		vars.Set(varIssuerRecord, rec)
		return nil
	})
	d.Then("Holder receives credential", env.Holder, func(ctx context.Context, vars core.Variables) error {
		rec, err := get[agent.Record](vars, varHolderRecord)
		if err != nil {
			return err
		}
		rec, err = holder.WaitCredentialState(ctx, rec, agent.StateCredentialReceived)
		if err != nil {
			return err
		}
		if rec.Credential == "" {
			return fmt.Errorf("credential record %s received without a credential", rec.RecordID)
		}
		vars.Set(varHolderRecord, rec)
		return nil
	})
	return d, nil
}

func custom(env Env, _ core.SetupData) (*flow.Driver, error) {
	if len(env.Steps) == 0 {
		return nil, &core.ConfigurationError{Reason: "custom flow without steps"}
	}
	d := flow.New("custom")
	for _, cfg := range env.Steps {
		a, err := env.Cast.Actor(cfg.Actor)
		if err != nil {
			return nil, err
		}
		step := apihttp.NewStep(cfg)
		d.Then(step.Name(), step.Actor(), func(ctx context.Context, vars core.Variables) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			return step.Execute(ctx, client, vars)
		})
	}
	return d, nil
}
