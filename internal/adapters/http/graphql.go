package http

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// asLocation normalizes the two shapes resolvers see: list elements are
// values, single lookups are pointers.
func asLocation(source interface{}) *domain.Location {
	switch v := source.(type) {
	case domain.Location:
		return &v
	case *domain.Location:
		return v
	}
	return nil
}

// buildSchema creates the GraphQL schema wired to our services.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	geoPointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeoPoint",
		Fields: graphql.Fields{
			"lat": &graphql.Field{Type: graphql.Float},
			"lon": &graphql.Field{Type: graphql.Float},
		},
	})

	locationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Location",
		Fields: graphql.Fields{
			"key":         &graphql.Field{Type: graphql.String},
			"location":    &graphql.Field{Type: geoPointType},
			"geohash":     &graphql.Field{Type: graphql.String},
			"distance_km": &graphql.Field{Type: graphql.Float},
			"updated_at":  &graphql.Field{Type: graphql.DateTime},
			"document": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					loc := asLocation(p.Source)
					if loc == nil || len(loc.Document) == 0 {
						return nil, nil
					}
					return string(loc.Document), nil
				},
			},
		},
	})

	zoneType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Zone",
		Fields: graphql.Fields{
			"name":          &graphql.Field{Type: graphql.String},
			"center":        &graphql.Field{Type: geoPointType},
			"radius_meters": &graphql.Field{Type: graphql.Float},
			"dwell_alert_after": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					z, ok := p.Source.(domain.Zone)
					if !ok || z.DwellAlertAfter <= 0 {
						return nil, nil
					}
					return z.DwellAlertAfter.String(), nil
				},
			},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"locationsNearby": &graphql.Field{
				Type:        graphql.NewList(locationType),
				Description: "Find locations within a radius of a point, nearest first",
				Args: graphql.FieldConfigArgument{
					"lat":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"lon":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"radius": &graphql.ArgumentConfig{Type: graphql.Float, DefaultValue: 1000.0},
					"limit":  &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 100},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					lat := p.Args["lat"].(float64)
					lon := p.Args["lon"].(float64)
					radius := p.Args["radius"].(float64)
					limit := p.Args["limit"].(int)
					return deps.Locations.FindNearby(p.Context,
						domain.GeoPoint{Lat: lat, Lon: lon}, radius, limit)
				},
			},
			"location": &graphql.Field{
				Type:        locationType,
				Description: "Get a location by key",
				Args: graphql.FieldConfigArgument{
					"key": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					key := p.Args["key"].(string)
					return deps.Locations.Get(p.Context, key)
				},
			},
			"zones": &graphql.Field{
				Type:        graphql.NewList(zoneType),
				Description: "List the configured watch zones",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return deps.Zones.List(), nil
				},
			},
			"zoneLocations": &graphql.Field{
				Type:        graphql.NewList(locationType),
				Description: "Locations currently inside a zone",
				Args: graphql.FieldConfigArgument{
					"zone":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 100},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name := p.Args["zone"].(string)
					limit := p.Args["limit"].(int)
					zone := deps.Zones.Get(name)
					if zone == nil {
						return nil, fmt.Errorf("zone %q not found", name)
					}
					return deps.Locations.FindNearby(p.Context, zone.Center, zone.RadiusMeters, limit)
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.Context(),
		})

		return c.JSON(result)
	}
}
